package analysis

import (
	"context"

	"github.com/lueurxax/feedradar/internal/core/domain"
)

// Analysis is a running discovery. Snapshots arrive on Results, which is
// closed after the final snapshot. Consumers must drain Results or Cancel.
type Analysis struct {
	id      string
	results chan domain.AnalysisResult
	done    chan struct{}
	cancel  context.CancelFunc

	// written by the orchestrator before done is closed
	final domain.AnalysisResult
	err   error
}

func newAnalysis(id string, cancel context.CancelFunc) *Analysis {
	return &Analysis{
		id:      id,
		results: make(chan domain.AnalysisResult),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

func (a *Analysis) ID() string {
	return a.id
}

// Results streams immutable snapshots. Within one analysis the feed slices
// only grow.
func (a *Analysis) Results() <-chan domain.AnalysisResult {
	return a.results
}

// Done is closed once the analysis stopped emitting.
func (a *Analysis) Done() <-chan struct{} {
	return a.done
}

// Wait drains any remaining snapshots and returns the last state of the
// analysis. The error wraps ErrFetch for a failed analysis and is the context
// error when the analysis was canceled before it finished.
func (a *Analysis) Wait() (domain.AnalysisResult, error) {
	for range a.results { //nolint:revive // draining
	}

	<-a.done

	return a.final, a.err
}

// Cancel stops the analysis and blocks until it stopped emitting.
func (a *Analysis) Cancel() {
	a.cancel()
	<-a.done
}

func (a *Analysis) finish(final domain.AnalysisResult, err error) {
	a.final = final
	a.err = err

	close(a.results)
	close(a.done)
	a.cancel()
}
