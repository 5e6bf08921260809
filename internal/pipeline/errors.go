package pipeline

import "github.com/rotisserie/eris"

// ErrResolution indicates the location stage could not produce a usable
// location. The orchestrator recovers from it as "no location found".
var ErrResolution = eris.New("pipeline: location resolution failed")

// ErrDiscovery indicates the discovery stage failed outright (search
// provider outage or classification failure). Terminal for the run.
var ErrDiscovery = eris.New("pipeline: candidate discovery failed")
