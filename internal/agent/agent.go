// Package agent implements the structured reasoning service: a bounded
// tool-calling loop over the Anthropic client followed by schema-validated
// coercion of the model's final answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/sells-group/installer-scout/internal/config"
	"github.com/sells-group/installer-scout/internal/model"
	"github.com/sells-group/installer-scout/pkg/anthropic"
)

// ErrSchemaConformance indicates the model's final answer could not be
// coerced to the requested output schema.
var ErrSchemaConformance = eris.New("agent: response does not conform to output schema")

// ErrToolLoopExceeded indicates the model kept requesting tools past the
// configured iteration bound.
var ErrToolLoopExceeded = eris.New("agent: tool loop exceeded max iterations")

// Tool is a callable capability offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Run         func(ctx context.Context, input json.RawMessage) (string, error)
}

// Request describes one structured reasoning invocation.
type Request struct {
	System    string
	Prompt    string
	Tools     []Tool
	Schema    map[string]any // JSON schema the final answer must satisfy
	MaxTokens int64
}

// Result carries the schema-conforming answer and the transcript produced
// while reaching it.
type Result struct {
	Raw        json.RawMessage
	Transcript []model.Message
	Usage      anthropic.TokenUsage
}

// Service is the structured reasoning capability used by every pipeline stage.
type Service interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Reasoner implements Service on top of the Anthropic client.
type Reasoner struct {
	ai       anthropic.Client
	cfg      config.AnthropicConfig
	maxIters int
}

// New creates a Reasoner. maxIters bounds the tool-calling loop.
func New(ai anthropic.Client, cfg config.AnthropicConfig, maxIters int) *Reasoner {
	if maxIters <= 0 {
		maxIters = 10
	}
	return &Reasoner{ai: ai, cfg: cfg, maxIters: maxIters}
}

// Invoke runs the tool loop until the model produces a final answer, then
// coerces that answer to req.Schema. Tool execution errors are fed back to
// the model as error tool results rather than aborting the loop.
func (r *Reasoner) Invoke(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.cfg.MaxTokens
	}

	msgs := []anthropic.Message{anthropic.NewTextMessage("user", req.Prompt)}
	var transcript []model.Message
	var usage anthropic.TokenUsage

	for iter := 0; iter < r.maxIters; iter++ {
		resp, err := r.ai.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     r.cfg.Model,
			MaxTokens: maxTokens,
			System:    req.System,
			Messages:  msgs,
			Tools:     toolDefinitions(req.Tools),
		})
		if err != nil {
			return nil, eris.Wrap(err, "agent: create message")
		}
		usage.Add(resp.Usage)

		uses := resp.ToolUses()
		if resp.StopReason == "tool_use" && len(uses) > 0 {
			msgs = append(msgs, anthropic.Message{Role: "assistant", Blocks: resp.Content})

			var resultBlocks []anthropic.ContentBlock
			for _, use := range uses {
				out, runErr := runTool(ctx, req.Tools, use)
				if runErr != nil {
					zap.L().Warn("agent: tool call failed",
						zap.String("tool", use.ToolName),
						zap.Error(runErr),
					)
					out = runErr.Error()
				}
				resultBlocks = append(resultBlocks, anthropic.ContentBlock{
					Type:    "tool_result",
					ToolID:  use.ToolID,
					Text:    out,
					IsError: runErr != nil,
				})
				transcript = append(transcript, model.Message{
					Role:    "tool",
					Content: fmt.Sprintf("%s(%s)", use.ToolName, string(use.ToolInput)),
				})
			}
			msgs = append(msgs, anthropic.Message{Role: "user", Blocks: resultBlocks})
			continue
		}

		text := resp.Text()
		transcript = append(transcript, model.Message{Role: "assistant", Content: text})

		raw, err := coerceToSchema(text, req.Schema)
		if err != nil {
			return nil, err
		}
		return &Result{Raw: raw, Transcript: transcript, Usage: usage}, nil
	}

	return nil, eris.Wrap(ErrToolLoopExceeded, fmt.Sprintf("after %d iterations", r.maxIters))
}

// runTool dispatches one tool_use block to the matching tool.
func runTool(ctx context.Context, tools []Tool, use anthropic.ContentBlock) (string, error) {
	for _, t := range tools {
		if t.Name == use.ToolName {
			return t.Run(ctx, use.ToolInput)
		}
	}
	return "", eris.Errorf("agent: unknown tool %q", use.ToolName)
}

func toolDefinitions(tools []Tool) []anthropic.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]anthropic.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = anthropic.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return defs
}

// coerceToSchema strips fences, repairs malformed JSON if needed, and
// validates the result against the output schema.
func coerceToSchema(text string, schema map[string]any) (json.RawMessage, error) {
	cleaned := cleanJSON(text)

	if !json.Valid([]byte(cleaned)) {
		repaired, err := jsonrepair.JSONRepair(cleaned)
		if err != nil {
			return nil, eris.Wrap(ErrSchemaConformance, "unparseable response: "+err.Error())
		}
		cleaned = repaired
	}

	if schema != nil {
		result, err := gojsonschema.Validate(
			gojsonschema.NewGoLoader(schema),
			gojsonschema.NewStringLoader(cleaned),
		)
		if err != nil {
			return nil, eris.Wrap(ErrSchemaConformance, err.Error())
		}
		if !result.Valid() {
			var details []string
			for _, e := range result.Errors() {
				details = append(details, e.String())
			}
			return nil, eris.Wrap(ErrSchemaConformance, strings.Join(details, "; "))
		}
	}

	return json.RawMessage(cleaned), nil
}

// cleanJSON strips markdown fences and extracts the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
