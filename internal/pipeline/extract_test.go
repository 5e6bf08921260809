package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/installer-scout/internal/agent"
	"github.com/sells-group/installer-scout/internal/config"
	"github.com/sells-group/installer-scout/internal/fetch"
	"github.com/sells-group/installer-scout/internal/model"
)

func extractConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxExtractWorkers: 5,
		CallTimeoutSecs:   60,
		MaxContentChars:   12000,
	}
}

func TestExtract_FullRecord(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("Fetch", mock.Anything, "https://acme.co.uk").
		Return(&fetch.Page{URL: "https://acme.co.uk", Content: "Acme Bathrooms. Call 0161 000 0000. 15 years of service."}, nil).
		Once()

	reasoner := new(mockReasoner)
	reasoner.On("Invoke", mock.Anything, mock.AnythingOfType("agent.Request")).
		Return(&agent.Result{Raw: json.RawMessage(`{
			"business_name": "Acme Bathrooms",
			"phone_numbers": ["0161 000 0000"],
			"email_addresses": ["info@acme.co.uk"],
			"physical_address": "1 High St, Manchester",
			"services_offered": ["full bathroom installation", "wet rooms"],
			"years_in_business": 15,
			"website_url": "https://acme.co.uk",
			"confidence_score": 0.9
		}`)}, nil).
		Once()

	e := NewBusinessExtractor(reasoner, fetcher, extractConfig())
	rec := e.Extract(context.Background(), "https://acme.co.uk")

	assert.Equal(t, "Acme Bathrooms", rec.BusinessName)
	assert.Equal(t, []string{"0161 000 0000"}, rec.PhoneNumbers)
	assert.Equal(t, "https://acme.co.uk", rec.WebsiteURL)
	require.NotNil(t, rec.YearsInBusiness)
	assert.Equal(t, 15, *rec.YearsInBusiness)
	assert.InDelta(t, 0.9, rec.ConfidenceScore, 1e-9)
	assert.False(t, rec.ExtractionFailed)
	assert.True(t, rec.HasContactInfo())
}

func TestExtract_FetchFailureYieldsFailedRecord(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("Fetch", mock.Anything, "https://down.co.uk").
		Return(nil, &fetch.FetchError{URL: "https://down.co.uk", Reason: "status 503"}).
		Once()

	reasoner := new(mockReasoner)

	e := NewBusinessExtractor(reasoner, fetcher, extractConfig())
	rec := e.Extract(context.Background(), "https://down.co.uk")

	assert.True(t, rec.ExtractionFailed)
	assert.Zero(t, rec.ConfidenceScore)
	assert.Equal(t, "https://down.co.uk", rec.WebsiteURL)
	reasoner.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestExtract_MissingConfidenceFlagsRecord(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(&fetch.Page{URL: "https://acme.co.uk", Content: "Acme"}, nil).
		Once()

	reasoner := new(mockReasoner)
	reasoner.On("Invoke", mock.Anything, mock.AnythingOfType("agent.Request")).
		Return(&agent.Result{Raw: json.RawMessage(`{"business_name": "Acme", "website_url": "https://acme.co.uk"}`)}, nil).
		Once()

	e := NewBusinessExtractor(reasoner, fetcher, extractConfig())
	rec := e.Extract(context.Background(), "https://acme.co.uk")

	assert.True(t, rec.ExtractionFailed)
	assert.Zero(t, rec.ConfidenceScore)
	assert.Equal(t, "Acme", rec.BusinessName)
}

func TestExtract_ConfidenceClamped(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   float64
		want float64
	}{
		{"above range", 1.5, 1.0},
		{"below range", -0.2, 0.0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := new(mockFetcher)
			fetcher.On("Fetch", mock.Anything, mock.Anything).
				Return(&fetch.Page{URL: "https://acme.co.uk", Content: "Acme"}, nil).
				Once()

			raw, err := json.Marshal(map[string]any{
				"business_name":    "Acme",
				"website_url":      "https://acme.co.uk",
				"confidence_score": tc.in,
			})
			require.NoError(t, err)

			reasoner := new(mockReasoner)
			reasoner.On("Invoke", mock.Anything, mock.AnythingOfType("agent.Request")).
				Return(&agent.Result{Raw: raw}, nil).
				Once()

			e := NewBusinessExtractor(reasoner, fetcher, extractConfig())
			rec := e.Extract(context.Background(), "https://acme.co.uk")

			assert.Equal(t, tc.want, rec.ConfidenceScore)
			assert.False(t, rec.ExtractionFailed)
		})
	}
}

func TestExtract_NegativeYearsDropped(t *testing.T) {
	fetcher := new(mockFetcher)
	fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(&fetch.Page{URL: "https://acme.co.uk", Content: "Acme"}, nil).
		Once()

	reasoner := new(mockReasoner)
	reasoner.On("Invoke", mock.Anything, mock.AnythingOfType("agent.Request")).
		Return(&agent.Result{Raw: json.RawMessage(`{"business_name": "Acme", "website_url": "https://acme.co.uk", "years_in_business": -3, "confidence_score": 0.5}`)}, nil).
		Once()

	e := NewBusinessExtractor(reasoner, fetcher, extractConfig())
	rec := e.Extract(context.Background(), "https://acme.co.uk")

	assert.Nil(t, rec.YearsInBusiness)
}

func TestExtract_ContentTruncated(t *testing.T) {
	cfg := extractConfig()
	cfg.MaxContentChars = 50

	fetcher := new(mockFetcher)
	fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(&fetch.Page{URL: "https://acme.co.uk", Content: strings.Repeat("x", 500)}, nil).
		Once()

	reasoner := new(mockReasoner)
	reasoner.On("Invoke", mock.Anything, mock.MatchedBy(func(req agent.Request) bool {
		return len(req.Prompt) < 200
	})).
		Return(&agent.Result{Raw: json.RawMessage(`{"business_name": "Acme", "website_url": "https://acme.co.uk", "confidence_score": 0.3}`)}, nil).
		Once()

	e := NewBusinessExtractor(reasoner, fetcher, cfg)
	rec := e.Extract(context.Background(), "https://acme.co.uk")

	assert.False(t, rec.ExtractionFailed)
	reasoner.AssertExpectations(t)
}

func TestExtract_TruncationKeepsValidUTF8(t *testing.T) {
	cfg := extractConfig()
	cfg.MaxContentChars = 51 // lands mid-rune for two-byte runes

	fetcher := new(mockFetcher)
	fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(&fetch.Page{URL: "https://acme.co.uk", Content: strings.Repeat("£", 40)}, nil).
		Once()

	reasoner := new(mockReasoner)
	reasoner.On("Invoke", mock.Anything, mock.MatchedBy(func(req agent.Request) bool {
		return utf8.ValidString(req.Prompt)
	})).
		Return(&agent.Result{Raw: json.RawMessage(`{"business_name": "Acme", "website_url": "https://acme.co.uk", "confidence_score": 0.3}`)}, nil).
		Once()

	e := NewBusinessExtractor(reasoner, fetcher, cfg)
	rec := e.Extract(context.Background(), "https://acme.co.uk")

	assert.False(t, rec.ExtractionFailed)
	reasoner.AssertExpectations(t)
}

func TestExtractAll_PreservesInputOrder(t *testing.T) {
	urls := []string{"https://a.co.uk", "https://b.co.uk", "https://c.co.uk"}

	fetcher := new(mockFetcher)
	reasoner := new(mockReasoner)
	for _, u := range urls {
		fetcher.On("Fetch", mock.Anything, u).
			Return(&fetch.Page{URL: u, Content: "content for " + u}, nil).
			Once()
		raw, err := json.Marshal(map[string]any{
			"business_name":    u,
			"website_url":      u,
			"confidence_score": 0.8,
		})
		require.NoError(t, err)
		reasoner.On("Invoke", mock.Anything, mock.MatchedBy(func(req agent.Request) bool {
			return strings.Contains(req.Prompt, u)
		})).
			Return(&agent.Result{Raw: raw}, nil).
			Once()
	}

	candidates := []model.CandidateRecord{
		{BusinessName: "A", URL: urls[0], Validated: true},
		{BusinessName: "B", URL: urls[1], Validated: true},
		{BusinessName: "C", URL: urls[2], Validated: true},
	}

	e := NewBusinessExtractor(reasoner, fetcher, extractConfig())
	records := e.ExtractAll(context.Background(), candidates)

	require.Len(t, records, 3)
	for i, u := range urls {
		assert.Equal(t, u, records[i].WebsiteURL)
	}
}

// gateFetcher delays chosen URLs until released, forcing out-of-order
// completion.
type gateFetcher struct {
	gates map[string]chan struct{}
}

func (g *gateFetcher) Fetch(ctx context.Context, url string) (*fetch.Page, error) {
	if gate, ok := g.gates[url]; ok {
		<-gate
	}
	return &fetch.Page{URL: url, Content: "content for " + url}, nil
}

func TestExtractAll_ReassemblesByInputIndex(t *testing.T) {
	urls := []string{"https://a.co.uk", "https://b.co.uk", "https://c.co.uk"}

	// A and B block until C's extraction has finished, so completion order
	// is [C, A, B] while input order is [A, B, C].
	releaseAB := make(chan struct{})
	fetcher := &gateFetcher{gates: map[string]chan struct{}{
		urls[0]: releaseAB,
		urls[1]: releaseAB,
	}}

	reasoner := new(mockReasoner)
	var once sync.Once
	for _, u := range urls {
		raw, err := json.Marshal(map[string]any{
			"business_name":    u,
			"website_url":      u,
			"confidence_score": 0.8,
		})
		require.NoError(t, err)
		reasoner.On("Invoke", mock.Anything, mock.MatchedBy(func(req agent.Request) bool {
			return strings.Contains(req.Prompt, u)
		})).
			Run(func(args mock.Arguments) {
				req := args.Get(1).(agent.Request)
				if strings.Contains(req.Prompt, urls[2]) {
					once.Do(func() { close(releaseAB) })
				}
			}).
			Return(&agent.Result{Raw: raw}, nil).
			Once()
	}

	candidates := []model.CandidateRecord{
		{BusinessName: "A", URL: urls[0], Validated: true},
		{BusinessName: "B", URL: urls[1], Validated: true},
		{BusinessName: "C", URL: urls[2], Validated: true},
	}

	e := NewBusinessExtractor(reasoner, fetcher, extractConfig())
	records := e.ExtractAll(context.Background(), candidates)

	require.Len(t, records, 3)
	for i, u := range urls {
		assert.Equal(t, u, records[i].WebsiteURL)
	}
}

func TestExtractAll_PartialFailureKeepsOtherRecords(t *testing.T) {
	fetcher := new(mockFetcher)
	reasoner := new(mockReasoner)
	for _, u := range []string{"https://a.co.uk", "https://c.co.uk"} {
		fetcher.On("Fetch", mock.Anything, u).
			Return(&fetch.Page{URL: u, Content: "content for " + u}, nil).
			Once()
		raw, err := json.Marshal(map[string]any{
			"business_name":    u,
			"website_url":      u,
			"confidence_score": 0.7,
		})
		require.NoError(t, err)
		reasoner.On("Invoke", mock.Anything, mock.MatchedBy(func(req agent.Request) bool {
			return strings.Contains(req.Prompt, u)
		})).
			Return(&agent.Result{Raw: raw}, nil).
			Once()
	}
	fetcher.On("Fetch", mock.Anything, "https://b.co.uk").
		Return(nil, &fetch.FetchError{URL: "https://b.co.uk", Reason: "connection refused"}).
		Once()

	candidates := []model.CandidateRecord{
		{BusinessName: "A", URL: "https://a.co.uk", Validated: true},
		{BusinessName: "B", URL: "https://b.co.uk", Validated: true},
		{BusinessName: "C", URL: "https://c.co.uk", Validated: true},
	}

	e := NewBusinessExtractor(reasoner, fetcher, extractConfig())
	records := e.ExtractAll(context.Background(), candidates)

	require.Len(t, records, 3)
	assert.False(t, records[0].ExtractionFailed)
	assert.True(t, records[1].ExtractionFailed)
	assert.Zero(t, records[1].ConfidenceScore)
	assert.Equal(t, "https://b.co.uk", records[1].WebsiteURL)
	assert.False(t, records[2].ExtractionFailed)
}

// stallFetcher blocks on the per-call context for chosen URLs and serves
// the rest immediately.
type stallFetcher struct {
	stall map[string]bool
}

func (s *stallFetcher) Fetch(ctx context.Context, url string) (*fetch.Page, error) {
	if s.stall[url] {
		<-ctx.Done()
		return nil, &fetch.FetchError{URL: url, Reason: ctx.Err().Error()}
	}
	return &fetch.Page{URL: url, Content: "content for " + url}, nil
}

func TestExtractAll_TimeoutFailsOnlyThatCandidate(t *testing.T) {
	cfg := extractConfig()
	cfg.CallTimeoutSecs = 1

	urls := []string{"https://a.co.uk", "https://b.co.uk", "https://c.co.uk"}
	fetcher := &stallFetcher{stall: map[string]bool{urls[1]: true}}

	reasoner := new(mockReasoner)
	for _, u := range []string{urls[0], urls[2]} {
		raw, err := json.Marshal(map[string]any{
			"business_name":    u,
			"website_url":      u,
			"confidence_score": 0.8,
		})
		require.NoError(t, err)
		reasoner.On("Invoke", mock.Anything, mock.MatchedBy(func(req agent.Request) bool {
			return strings.Contains(req.Prompt, u)
		})).
			Return(&agent.Result{Raw: raw}, nil).
			Once()
	}

	candidates := []model.CandidateRecord{
		{BusinessName: "A", URL: urls[0], Validated: true},
		{BusinessName: "B", URL: urls[1], Validated: true},
		{BusinessName: "C", URL: urls[2], Validated: true},
	}

	e := NewBusinessExtractor(reasoner, fetcher, cfg)
	records := e.ExtractAll(context.Background(), candidates)

	require.Len(t, records, 3)
	assert.False(t, records[0].ExtractionFailed)
	assert.True(t, records[1].ExtractionFailed)
	assert.Zero(t, records[1].ConfidenceScore)
	assert.Equal(t, urls[1], records[1].WebsiteURL)
	assert.False(t, records[2].ExtractionFailed)
	reasoner.AssertExpectations(t)
}

func TestExtractAll_CancelledRunDropsSlots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := new(mockFetcher)
	candidates := []model.CandidateRecord{
		{BusinessName: "A", URL: "https://a.co.uk", Validated: true},
		{BusinessName: "B", URL: "https://b.co.uk", Validated: true},
	}

	e := NewBusinessExtractor(new(mockReasoner), fetcher, extractConfig())
	records := e.ExtractAll(ctx, candidates)

	assert.Empty(t, records)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestExtractAll_Empty(t *testing.T) {
	e := NewBusinessExtractor(new(mockReasoner), new(mockFetcher), extractConfig())
	assert.Nil(t, e.ExtractAll(context.Background(), nil))
}
