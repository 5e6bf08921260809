package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/installer-scout/internal/agent"
	"github.com/sells-group/installer-scout/internal/config"
	"github.com/sells-group/installer-scout/internal/model"
	"github.com/sells-group/installer-scout/pkg/tavily"
)

const classifySystemPrompt = `You are an expert at identifying legitimate bathroom installation businesses. Your task is to analyze search results and determine which ones are actual bathroom installers.

When evaluating each result, consider:
1. Does the business explicitly offer bathroom installation services?
2. Is it a direct service provider (not a directory or review site)?
3. Does it appear to be a legitimate business (not just a blog or news article)?

For each candidate:
- Set is_installer=true ONLY if you are confident it's a real bathroom installation business
- Provide a clear, concise reason for your decision
- Extract the actual business name (not the webpage title)
- Ensure the URL is the main business website

Exclude:
- Directory listings (e.g., Yelp, Yellow Pages)
- Review sites
- News articles
- Blog posts
- General contractors who don't specifically do bathrooms
- DIY guides or articles

Classify every search result, in the order given. Respond with a JSON object:
{"candidates": [{"business_name": "...", "url": "...", "is_installer": true, "reason": "..."}]}`

var classifySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"candidates": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"business_name": map[string]any{"type": "string"},
					"url":           map[string]any{"type": "string"},
					"is_installer":  map[string]any{"type": "boolean"},
					"reason":        map[string]any{"type": "string"},
				},
				"required": []any{"business_name", "url", "is_installer", "reason"},
			},
		},
	},
	"required": []any{"candidates"},
}

// CandidateDiscoverer searches the web for service providers in a location
// and classifies each result as a confirmed installer or not.
type CandidateDiscoverer struct {
	reasoner agent.Service
	search   tavily.Client
	cfg      config.PipelineConfig
	depth    string
}

// NewCandidateDiscoverer creates a CandidateDiscoverer.
func NewCandidateDiscoverer(reasoner agent.Service, search tavily.Client, cfg config.PipelineConfig, searchDepth string) *CandidateDiscoverer {
	return &CandidateDiscoverer{reasoner: reasoner, search: search, cfg: cfg, depth: searchDepth}
}

// Discover searches for installers in location and labels every result.
// Zero search results yields an empty slice and nil error; a provider
// outage or classification failure is wrapped in ErrDiscovery. Result
// order follows provider ranking.
func (d *CandidateDiscoverer) Discover(ctx context.Context, location, refinement string) ([]model.CandidateRecord, error) {
	query := d.cfg.ServiceCategory + " in " + location
	if refinement != "" {
		query += " " + refinement
	}

	searchCtx, cancel := callTimeout(ctx, d.cfg.CallTimeoutSecs)
	resp, err := d.search.Search(searchCtx, query,
		tavily.WithMaxResults(d.cfg.MaxSearchResults),
		tavily.WithSearchDepth(d.depth),
	)
	cancel()
	if err != nil {
		return nil, eris.Wrap(ErrDiscovery, err.Error())
	}
	if len(resp.Results) == 0 {
		zap.L().Info("pipeline: search returned no results", zap.String("query", query))
		return []model.CandidateRecord{}, nil
	}

	prompt, err := formatResults(location, resp.Results)
	if err != nil {
		return nil, eris.Wrap(ErrDiscovery, err.Error())
	}

	classifyCtx, cancel := callTimeout(ctx, d.cfg.CallTimeoutSecs)
	res, err := d.reasoner.Invoke(classifyCtx, agent.Request{
		System: classifySystemPrompt,
		Prompt: prompt,
		Schema: classifySchema,
	})
	cancel()
	if err != nil {
		return nil, eris.Wrap(ErrDiscovery, err.Error())
	}

	var out struct {
		Candidates []struct {
			BusinessName string `json:"business_name"`
			URL          string `json:"url"`
			IsInstaller  bool   `json:"is_installer"`
			Reason       string `json:"reason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		return nil, eris.Wrap(ErrDiscovery, "decode candidates: "+err.Error())
	}

	candidates := make([]model.CandidateRecord, 0, len(out.Candidates))
	for _, c := range out.Candidates {
		if strings.TrimSpace(c.URL) == "" {
			continue
		}
		candidates = append(candidates, model.CandidateRecord{
			BusinessName:     c.BusinessName,
			URL:              c.URL,
			Validated:        c.IsInstaller,
			ValidationReason: c.Reason,
		})
	}

	zap.L().Info("pipeline: discovery complete",
		zap.String("location", location),
		zap.Int("results", len(resp.Results)),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

// formatResults serializes ranked search results into the classification prompt.
func formatResults(location string, results []tavily.SearchResult) (string, error) {
	type entry struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		URL     string `json:"url"`
	}
	entries := make([]entry, len(results))
	for i, r := range results {
		entries[i] = entry{Title: r.Title, Content: r.Content, URL: r.URL}
	}
	blob, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "marshal search results")
	}

	var b strings.Builder
	b.WriteString("Search results for bathroom installers in ")
	b.WriteString(location)
	b.WriteString(":\n\n")
	b.Write(blob)
	return b.String(), nil
}
