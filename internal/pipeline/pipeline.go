// Package pipeline implements the three-stage installer discovery pipeline:
// location resolution, candidate discovery, and business extraction, run in
// sequence over a shared per-run state.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/installer-scout/internal/agent"
	"github.com/sells-group/installer-scout/internal/config"
	"github.com/sells-group/installer-scout/internal/fetch"
	"github.com/sells-group/installer-scout/internal/model"
	"github.com/sells-group/installer-scout/pkg/tavily"
)

type runState string

const (
	stateAwaitingLocation     runState = "awaiting_location"
	stateLocationResolved     runState = "location_resolved"
	stateCandidatesDiscovered runState = "candidates_discovered"
	stateCompleted            runState = "completed"
)

// Pipeline sequences the three stages over one PipelineState per run.
type Pipeline struct {
	cfg        config.PipelineConfig
	resolver   *LocationResolver
	discoverer *CandidateDiscoverer
	extractor  *BusinessExtractor
}

// New wires the three stages from their shared collaborators.
func New(cfg *config.Config, reasoner agent.Service, search tavily.Client, fetcher fetch.Fetcher) *Pipeline {
	return &Pipeline{
		cfg:        cfg.Pipeline,
		resolver:   NewLocationResolver(reasoner),
		discoverer: NewCandidateDiscoverer(reasoner, search, cfg.Pipeline, cfg.Tavily.SearchDepth),
		extractor:  NewBusinessExtractor(reasoner, fetcher, cfg.Pipeline),
	}
}

// Run executes one full pipeline pass for the query. Every terminal path,
// success or failure, leaves an explanatory final message in the returned
// state's conversation.
func (p *Pipeline) Run(ctx context.Context, query, refinement string) (*model.PipelineState, error) {
	state := model.NewPipelineState(query)
	phase := advance("", stateAwaitingLocation)

	resolveCtx, cancel := callTimeout(ctx, p.cfg.CallTimeoutSecs)
	location, err := p.resolver.Resolve(resolveCtx, query)
	cancel()
	if err != nil && !eris.Is(err, ErrResolution) {
		return state, err
	}
	if err != nil {
		zap.L().Warn("pipeline: resolution failed, treating as no location", zap.Error(err))
		location = ""
	}

	if location == "" {
		state.Append("assistant", "I couldn't identify a valid UK location in your request. Please specify a city or area in the UK.")
		advance(phase, stateCompleted)
		return state, nil
	}

	state.ResolvedLocation = location
	state.Append("assistant", fmt.Sprintf("I'll search for bathroom installers in %s. Please wait while I gather the information.", location))
	phase = advance(phase, stateLocationResolved)

	candidates, err := p.discoverer.Discover(ctx, location, refinement)
	if err != nil {
		state.Append("assistant", fmt.Sprintf("I ran into a problem while searching for bathroom installers in %s. Please try again in a few minutes.", location))
		advance(phase, stateCompleted)
		return state, err
	}
	state.Candidates = candidates

	validated := state.ValidatedCandidates()
	if len(validated) == 0 {
		state.Append("assistant", fmt.Sprintf("I couldn't find any confirmed bathroom installers in %s. You might want to try searching in nearby areas.", location))
		advance(phase, stateCompleted)
		return state, nil
	}

	state.Append("assistant", fmt.Sprintf("I found %d bathroom installer%s in %s. I'll now gather detailed information about each business.",
		len(validated), plural(len(validated)), location))
	phase = advance(phase, stateCandidatesDiscovered)

	records := p.extractor.ExtractAll(ctx, validated)
	state.Records = records

	if len(records) == 0 {
		state.Append("assistant", "I wasn't able to extract detailed information from any of the installer websites. This might be due to website accessibility issues.")
		advance(phase, stateCompleted)
		return state, nil
	}

	contacts := 0
	services := 0
	for _, r := range records {
		if r.HasContactInfo() {
			contacts++
		}
		if len(r.ServicesOffered) > 0 {
			services++
		}
	}

	summary := fmt.Sprintf("I've gathered detailed information about %d business%s. ", len(records), pluralEs(len(records)))
	summary += fmt.Sprintf("Found contact information for %d business%s and service details for %d business%s. ",
		contacts, pluralEs(contacts), services, pluralEs(services))
	summary += "**Here's the data in CSV format that you can copy and paste into Excel or Google Sheets:**"
	state.Append("assistant", summary)
	state.Append("assistant", FormatCSV(records))
	advance(phase, stateCompleted)

	return state, nil
}

// callTimeout bounds one external call. Zero or negative secs falls back
// to 60 seconds; expiry fails only the call it wraps.
func callTimeout(ctx context.Context, secs int) (context.Context, context.CancelFunc) {
	d := time.Duration(secs) * time.Second
	if d <= 0 {
		d = 60 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// advance logs the state transition and returns the new state. The state
// machine is per-run bookkeeping; it never outlives Run.
func advance(from, to runState) runState {
	zap.L().Info("pipeline: state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return to
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func pluralEs(n int) string {
	if n == 1 {
		return ""
	}
	return "es"
}
