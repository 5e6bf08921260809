package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/installer-scout/internal/agent"
)

const locationSystemPrompt = `Extract the UK location from the user's query.
If no location is mentioned or the location is not in the UK, return an empty string.
Examples:
- "Find bathroom installers in Manchester" -> "Manchester"
- "Get bathroom fitters near Leeds" -> "Leeds"
- "Show me bathroom installers in New York" -> ""

Respond with a JSON object: {"location": "<city or area, or empty string>"}`

var locationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"location": map[string]any{"type": "string"},
	},
	"required": []any{"location"},
}

// LocationResolver extracts a UK location from a free-text query.
type LocationResolver struct {
	reasoner agent.Service
}

// NewLocationResolver creates a LocationResolver.
func NewLocationResolver(reasoner agent.Service) *LocationResolver {
	return &LocationResolver{reasoner: reasoner}
}

// Resolve returns the UK location named in the utterance, or "" when none
// is present or the location is outside the UK. A reasoning or schema
// failure is wrapped in ErrResolution.
func (r *LocationResolver) Resolve(ctx context.Context, utterance string) (string, error) {
	res, err := r.reasoner.Invoke(ctx, agent.Request{
		System: locationSystemPrompt,
		Prompt: utterance,
		Schema: locationSchema,
	})
	if err != nil {
		return "", eris.Wrap(ErrResolution, err.Error())
	}

	var out struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		return "", eris.Wrap(ErrResolution, "decode location: "+err.Error())
	}

	location := strings.TrimSpace(out.Location)
	zap.L().Info("pipeline: location resolved",
		zap.String("utterance", utterance),
		zap.String("location", location),
	)
	return location, nil
}
