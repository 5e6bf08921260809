package pipeline

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/installer-scout/internal/agent"
	"github.com/sells-group/installer-scout/internal/config"
	"github.com/sells-group/installer-scout/internal/fetch"
	"github.com/sells-group/installer-scout/internal/model"
)

const extractSystemPrompt = `You are an expert at analyzing bathroom installer websites and extracting business information. Your task is to analyze the scraped content and extract structured business details.

Focus on finding:
1. Official business name
2. All contact methods (phone, email)
3. Physical location/address
4. Specific bathroom services offered
5. Years in business
6. Coverage area/regions served
7. Professional certifications
8. Specializations in bathroom work

Guidelines:
- Only include information you find in the content
- Omit fields if information isn't available
- Include all phone numbers and emails found
- For services, focus on bathroom-specific offerings
- Assign a confidence score (0-1) based on information completeness
- Be precise with extracted information - don't make assumptions

Remember: It's better to return nothing than to guess or make assumptions about missing information.

Respond with a JSON object matching this shape:
{"business_name": "...", "phone_numbers": [], "email_addresses": [], "physical_address": "...", "services_offered": [], "years_in_business": 0, "website_url": "...", "confidence_score": 0.0}`

var extractSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"business_name":     map[string]any{"type": "string"},
		"phone_numbers":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"email_addresses":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"physical_address":  map[string]any{"type": []any{"string", "null"}},
		"services_offered":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"years_in_business": map[string]any{"type": []any{"integer", "null"}},
		"website_url":       map[string]any{"type": "string"},
		"confidence_score":  map[string]any{"type": "number"},
	},
	"required": []any{"business_name", "website_url"},
}

// BusinessExtractor fetches one candidate website and extracts a structured
// business record from its content.
type BusinessExtractor struct {
	reasoner agent.Service
	fetcher  fetch.Fetcher
	cfg      config.PipelineConfig
}

// NewBusinessExtractor creates a BusinessExtractor.
func NewBusinessExtractor(reasoner agent.Service, fetcher fetch.Fetcher, cfg config.PipelineConfig) *BusinessExtractor {
	return &BusinessExtractor{reasoner: reasoner, fetcher: fetcher, cfg: cfg}
}

// Extract returns the business record for one URL. It never returns an
// error: any fetch, reasoning, or decode failure yields a zero-confidence
// record with ExtractionFailed set.
func (e *BusinessExtractor) Extract(ctx context.Context, url string) model.BusinessRecord {
	page, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		zap.L().Warn("pipeline: fetch failed", zap.String("url", url), zap.Error(err))
		return failedRecord(url)
	}

	content := page.Content
	if e.cfg.MaxContentChars > 0 && len(content) > e.cfg.MaxContentChars {
		cut := e.cfg.MaxContentChars
		// Back up to a rune boundary so the cut never splits a multi-byte rune.
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	res, err := e.reasoner.Invoke(ctx, agent.Request{
		System: extractSystemPrompt,
		Prompt: "Extract business information from " + url + "\n\nWebsite content:\n\n" + content,
		Schema: extractSchema,
	})
	if err != nil {
		zap.L().Warn("pipeline: extraction failed", zap.String("url", url), zap.Error(err))
		return failedRecord(url)
	}

	var out struct {
		BusinessName    string   `json:"business_name"`
		PhoneNumbers    []string `json:"phone_numbers"`
		EmailAddresses  []string `json:"email_addresses"`
		PhysicalAddress string   `json:"physical_address"`
		ServicesOffered []string `json:"services_offered"`
		YearsInBusiness *int     `json:"years_in_business"`
		ConfidenceScore *float64 `json:"confidence_score"`
	}
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		zap.L().Warn("pipeline: decode record failed", zap.String("url", url), zap.Error(err))
		return failedRecord(url)
	}

	rec := model.BusinessRecord{
		BusinessName:    out.BusinessName,
		PhoneNumbers:    out.PhoneNumbers,
		EmailAddresses:  out.EmailAddresses,
		PhysicalAddress: out.PhysicalAddress,
		ServicesOffered: out.ServicesOffered,
		YearsInBusiness: out.YearsInBusiness,
		WebsiteURL:      url,
	}
	if rec.YearsInBusiness != nil && *rec.YearsInBusiness < 0 {
		rec.YearsInBusiness = nil
	}
	if out.ConfidenceScore == nil {
		rec.ExtractionFailed = true
	} else {
		rec.ConfidenceScore = clamp01(*out.ConfidenceScore)
	}
	return rec
}

// ExtractAll fans extraction out over the validated candidates and
// reassembles records in input order. Each candidate gets its own timeout;
// if ctx is cancelled, completed records are kept and in-flight ones dropped.
func (e *BusinessExtractor) ExtractAll(ctx context.Context, candidates []model.CandidateRecord) []model.BusinessRecord {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	workers := e.cfg.MaxExtractWorkers
	if workers <= 0 {
		workers = 5
	}
	workers = min(workers, n)

	records := make([]model.BusinessRecord, n)
	done := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, cand := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			callCtx, cancel := callTimeout(gctx, e.cfg.CallTimeoutSecs)
			defer cancel()
			rec := e.Extract(callCtx, cand.URL)
			// A per-candidate timeout yields a failed record for that slot;
			// run-level cancellation drops the slot entirely.
			if gctx.Err() != nil {
				return nil
			}
			records[i] = rec
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.BusinessRecord, 0, n)
	for i := range records {
		if done[i] {
			out = append(out, records[i])
		}
	}
	zap.L().Info("pipeline: extraction complete",
		zap.Int("candidates", n),
		zap.Int("records", len(out)),
	)
	return out
}

func failedRecord(url string) model.BusinessRecord {
	return model.BusinessRecord{WebsiteURL: url, ExtractionFailed: true}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
