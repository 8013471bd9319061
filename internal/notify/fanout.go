// Package notify delivers printer events to webhooks and Kafka.
package notify

import (
	"github.com/orrn/printfarm/internal/core"
)

// Fanout forwards every event to each of its notifiers in order.
type Fanout []core.Notifier

func (f Fanout) Notify(e core.Event) {
	for _, n := range f {
		n.Notify(e)
	}
}
