package payment

import (
	"context"
	"sync"

	"github.com/noah-isme/paytrail-merchant/internal/eventlog"
)

type recordedEvent struct {
	Event    string
	Severity eventlog.Severity
	Fields   eventlog.Fields
}

type captureRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (c *captureRecorder) Record(_ context.Context, event string, severity eventlog.Severity, fields eventlog.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{Event: event, Severity: severity, Fields: fields})
}

func (c *captureRecorder) last() recordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return recordedEvent{}
	}
	return c.events[len(c.events)-1]
}

func (c *captureRecorder) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Event)
	}
	return out
}
