package orchestrator

import (
	"context"
	"time"

	"github.com/smartdevs17/contract-discovery/internal/pipeline"
	"github.com/smartdevs17/contract-discovery/internal/scanner"
)

// ScannerTask wraps a chain scanner as a loop
func ScannerTask(s *scanner.Scanner, cadence time.Duration, policy RetryPolicy) Task {
	return Task{
		Name:    "scanner:" + s.Chain().Key(),
		Cadence: cadence,
		Retry:   policy,
		Run: func(ctx context.Context) error {
			_, err := s.RunCycle(ctx)
			return err
		},
	}
}

// PipelineTask wraps an enrichment pipeline as a loop. The cadence is the
// same whether or not the backlog was emptied.
func PipelineTask(p *pipeline.Pipeline, cadence time.Duration, policy RetryPolicy) Task {
	return Task{
		Name:    "pipeline:" + p.Chain().Key(),
		Cadence: cadence,
		Retry:   policy,
		Run: func(ctx context.Context) error {
			_, err := p.RunCycle(ctx)
			return err
		},
	}
}
