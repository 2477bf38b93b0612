package harvest

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/wsharvest/store"
)

// Event reports one finished phrase.
type Event struct {
	RunID   string
	Account string
	Mask    string
	Region  int
	Status  store.Status // ok or error
	Freq    int64
	Source  string // "intercept", "anchor", "class", "text"; empty on error
	Err     string
	Done    int
	Total   int
}

// Progress receives phrase events. Report is called from slot goroutines
// and must be safe for concurrent use.
type Progress interface {
	Report(ctx context.Context, ev Event) error
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(ctx context.Context, ev Event) error

func (f ProgressFunc) Report(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogProgress writes one structured line per phrase.
type LogProgress struct {
	Logger *slog.Logger
}

func (p LogProgress) Report(_ context.Context, ev Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if ev.Status == store.StatusOK {
		logger.Info("harvest: phrase",
			"mask", ev.Mask, "freq", ev.Freq, "source", ev.Source,
			"done", ev.Done, "total", ev.Total, "account", ev.Account)
		return nil
	}
	logger.Warn("harvest: phrase failed",
		"mask", ev.Mask, "error", ev.Err,
		"done", ev.Done, "total", ev.Total, "account", ev.Account)
	return nil
}

// Router fans events out to every sink. One failing sink does not stop
// the others; the first error is returned.
type Router struct {
	sinks  []Progress
	logger *slog.Logger
}

// NewRouter creates a fan-out router. nil sinks are skipped.
func NewRouter(logger *slog.Logger, sinks ...Progress) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{logger: logger}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

func (r *Router) Report(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Report(ctx, ev); err != nil {
			r.logger.Warn("harvest: progress sink failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
