package healing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
)

// EventType names a run lifecycle transition.
type EventType string

// Lifecycle events.
const (
	EventStarted   EventType = "started"
	EventHealing   EventType = "healing"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// RunEvent is published on every lifecycle transition.
type RunEvent struct {
	Type      EventType         `json:"type"`
	RequestID string            `json:"requestId"`
	Phase     checkpoint.Phase  `json:"phase,omitempty"`
	Recursion int               `json:"recursionCount"`
	Totals    checkpoint.Totals `json:"totals"`
	Error     string            `json:"error,omitempty"`
	At        time.Time         `json:"at"`
}

// Publisher delivers events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

func (c *Coordinator) emit(ctx context.Context, st *checkpoint.CrawlState, typ EventType, err error) {
	if c.deps.Events == nil {
		return
	}
	ev := RunEvent{
		Type:      typ,
		RequestID: st.RequestID,
		Phase:     st.Phase,
		Recursion: st.RecursionCount,
		Totals:    st.TotalConnections,
		At:        c.deps.Clock.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	// Best effort.
	if _, perr := c.deps.Events.Publish(ctx, c.cfg.EventsTopic, ev); perr != nil {
		c.logger.Warn("publish run event", zap.String("type", string(typ)), zap.Error(perr))
	}
}
