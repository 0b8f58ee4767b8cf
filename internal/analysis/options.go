package analysis

import (
	"time"

	"github.com/GriffinCanCode/malsmug/internal/config"
	"github.com/GriffinCanCode/malsmug/internal/hooks"
)

// Options tunes an Orchestrator.
type Options struct {
	// Topic receives every record, successful or not.
	Topic string
	// DrainCeiling caps each observed setTimeout delay.
	DrainCeiling time.Duration
	// DrainBuffer is always added to the drain window.
	DrainBuffer time.Duration
	// RemoveSample deletes the sample file once the run is over.
	RemoveSample bool
	// PublishTimeout bounds the final publish, which still runs when the
	// run's context has been cancelled.
	PublishTimeout time.Duration
	Interceptor    hooks.Interceptor
}

// DefaultOptions mirrors config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig derives orchestrator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Topic:          cfg.Broker.ResultsSubject,
		DrainCeiling:   cfg.Analysis.DrainCeiling,
		DrainBuffer:    cfg.Analysis.DrainBuffer,
		RemoveSample:   cfg.Analysis.RemoveSample,
		PublishTimeout: cfg.Broker.ConnectTimeout,
		Interceptor: hooks.Interceptor{
			Denylist: hooks.NewDenylist(cfg.Sandbox.ExtraSuspicious...),
		},
	}
}
