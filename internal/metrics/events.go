package metrics

import "github.com/minutesd/minutesd/internal/notify"

// InstrumentedPublisher counts session outcomes as their events pass
// through to the wrapped publisher. The finalizer already publishes a
// terminal event per session, so the counters ride on that stream
// instead of threading the collector into the orchestrator.
type InstrumentedPublisher struct {
	Next      notify.Publisher
	Collector *Collector
}

func (p InstrumentedPublisher) Publish(ev notify.Event) {
	switch ev.Type {
	case notify.EventSessionCompleted:
		p.Collector.RecordSessionCompleted()
	case notify.EventSessionFailed:
		p.Collector.RecordSessionFailed()
	}
	p.Next.Publish(ev)
}

var _ notify.Publisher = InstrumentedPublisher{}
