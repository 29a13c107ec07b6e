package ledgerd

import (
	"log/slog"

	"stakeledger/core/events"
	"stakeledger/observability"
)

// EventSink counts ledger events by type and logs them at debug level.
type EventSink struct {
	logger *slog.Logger
}

// NewEventSink returns a sink logging through logger.
func NewEventSink(logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{logger: logger}
}

// Emit implements events.Emitter.
func (s *EventSink) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	observability.Events().Record(evt.EventType())
	rendered := evt.Event()
	if rendered == nil {
		return
	}
	attrs := make([]any, 0, len(rendered.Attributes)+1)
	attrs = append(attrs, slog.String("type", rendered.Type))
	for k, v := range rendered.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.Debug("ledger event", attrs...)
}
