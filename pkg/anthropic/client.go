// Package anthropic wraps the official SDK behind a small client interface
// so pipeline code can be tested against mocks.
package anthropic

import (
	"context"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client defines the Anthropic API operations used by the reasoning layer.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is our own request type for CreateMessage.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature *float64
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any // JSON schema: expects "properties" and "required" keys
}

// Message represents a single conversational message made of content blocks.
type Message struct {
	Role   string // "user" or "assistant"
	Blocks []ContentBlock
}

// ContentBlock is one block within a message. Type is "text", "tool_use"
// or "tool_result".
type ContentBlock struct {
	Type      string
	Text      string
	ToolID    string          // tool_use: block ID; tool_result: the tool_use ID being answered
	ToolName  string          // tool_use only
	ToolInput json.RawMessage // tool_use only
	IsError   bool            // tool_result only
}

// NewTextMessage builds a single-text-block message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []ContentBlock{{Type: "text", Text: text}}}
}

// MessageResponse is our own response type from CreateMessage.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// Text concatenates all text blocks of the response.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	out := ""
	for _, b := range r.Content {
		if b.Type == "" || b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the response, in order.
func (r *MessageResponse) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client sdk.Client
}

// NewClient creates a new Anthropic client backed by the SDK.
func NewClient(apiKey string) Client {
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
	}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  toSDKMessages(req.Messages),
	}

	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		params.Tools = toSDKTools(req.Tools)
	}

	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}

	return fromSDKMessage(msg), nil
}

// --- SDK type conversion helpers ---

func toSDKMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, len(msgs))
	for i, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Type {
			case "tool_use":
				blocks = append(blocks, sdk.ContentBlockParamUnion{
					OfToolUse: &sdk.ToolUseBlockParam{
						ID:    b.ToolID,
						Name:  b.ToolName,
						Input: b.ToolInput,
					},
				})
			case "tool_result":
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolID, b.Text, b.IsError))
			default:
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			}
		}
		switch m.Role {
		case "assistant":
			out[i] = sdk.NewAssistantMessage(blocks...)
		default:
			out[i] = sdk.NewUserMessage(blocks...)
		}
	}
	return out
}

func toSDKTools(tools []ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, len(tools))
	for i, t := range tools {
		tp := sdk.ToolParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
		}
		if t.InputSchema != nil {
			tp.InputSchema = sdk.ToolInputSchemaParam{
				Properties: t.InputSchema["properties"],
				Required:   requiredFields(t.InputSchema["required"]),
			}
		}
		out[i] = sdk.ToolUnionParam{OfTool: &tp}
	}
	return out
}

// requiredFields normalizes a schema's "required" entry, which is []string
// when built in Go and []any when decoded from JSON.
func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func fromSDKMessage(msg *sdk.Message) *MessageResponse {
	blocks := make([]ContentBlock, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case "tool_use":
			// Decode the raw union JSON rather than relying on typed variant
			// fields; the wire shape is stable.
			var tu struct {
				ID    string          `json:"id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			}
			if err := json.Unmarshal([]byte(b.RawJSON()), &tu); err != nil {
				continue
			}
			blocks = append(blocks, ContentBlock{
				Type:      "tool_use",
				ToolID:    tu.ID,
				ToolName:  tu.Name,
				ToolInput: tu.Input,
			})
		default:
			blocks = append(blocks, ContentBlock{
				Type: b.Type,
				Text: b.Text,
			})
		}
	}

	return &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Content:    blocks,
		StopReason: string(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
}
