package audit

import (
	"context"

	"go.uber.org/zap"

	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

// Sink appends duplicate-session events to a durable record.
type Sink interface {
	Append(ctx context.Context, event models.DuplicateSessionEvent) error
}

// MultiSink writes to a primary sink and fans out to secondaries. Only the primary's error
// is returned; secondary failures are logged.
type MultiSink struct {
	primary     Sink
	secondaries []Sink
	logger      *zap.Logger
}

func NewMultiSink(logger *zap.Logger, primary Sink, secondaries ...Sink) *MultiSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiSink{primary: primary, secondaries: secondaries, logger: logger}
}

func (m *MultiSink) Append(ctx context.Context, event models.DuplicateSessionEvent) error {
	for _, s := range m.secondaries {
		if err := s.Append(ctx, event); err != nil {
			m.logger.Warn("Secondary audit sink failed",
				util.EventID(event.ID),
				zap.String("sink", sinkName(s)),
				zap.Error(err))
		}
	}
	if m.primary == nil {
		return nil
	}
	return m.primary.Append(ctx, event)
}

func sinkName(s Sink) string {
	switch s.(type) {
	case *FileSink:
		return "file"
	case *KafkaSink:
		return "kafka"
	case *ElasticsearchSink:
		return "elasticsearch"
	case *ClickHouseSink:
		return "clickhouse"
	default:
		return "custom"
	}
}
