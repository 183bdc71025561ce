package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/verifyd/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Job events and
// proxy events carry different field sets.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StageProbeDone, progress.StageProxyState:
			fields = append(fields,
				zap.String("proxy", evt.Proxy),
				zap.String("proxy_state", string(evt.ProxyState)),
				zap.Bool("probe_ok", evt.ProbeOK),
			)
		default:
			fields = append(fields,
				zap.Uint64("job_id", uint64(evt.JobID)),
				zap.Int64("user_id", evt.UserID),
				zap.String("status", string(evt.Status)),
				zap.String("proxy", evt.Proxy),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
