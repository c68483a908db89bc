package audit

import (
	"context"
	"log/slog"
)

// SlogRecorder mirrors events into the structured operational log. It is a
// convenience sink for deployments that want brake activity in the main log
// stream; the Journal stays the evidentiary record.
type SlogRecorder struct {
	logger *slog.Logger
}

func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogRecorder{logger: logger.With("component", "audit")}
}

func (r *SlogRecorder) Record(ctx context.Context, ev *Event) error {
	attrs := []slog.Attr{
		slog.String("kind", string(ev.Kind)),
		slog.String("target", ev.Target.String()),
		slog.String("actor", ev.Actor.String()),
	}
	if ev.Permission != nil {
		attrs = append(attrs, slog.String("permission", ev.Permission.String()))
	}
	if ev.Seq > 0 {
		attrs = append(attrs, slog.Uint64("seq", ev.Seq))
	}
	r.logger.LogAttrs(ctx, slog.LevelInfo, "event recorded", attrs...)
	return nil
}
