package throughput

import (
	"context"
	"log/slog"

	"emperror.dev/errors"
)

// Reporter receives each emitted window report.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r Report) error

func (f ReporterFunc) Report(ctx context.Context, r Report) error { return f(ctx, r) }

// LogReporter writes reports to slog.
type LogReporter struct {
	Logger *slog.Logger
}

func (l LogReporter) Report(_ context.Context, r Report) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("throughput: window report",
		"line", r.String(),
		"skipped", r.Skipped,
		"frames", r.Frames,
		"window_us", r.Window,
		"avg_interval_us", r.AvgInterval,
		"rate_fps", r.Rate,
		"avg_size", r.AvgSize,
		"max_size", r.MaxSize,
	)
	return nil
}

// MultiReporter fans a report out to every sink. A failing sink does not
// stop the others; failures are combined.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, r Report) error {
	var errs []error
	for _, rep := range m {
		if err := rep.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Combine(errs...)
}
