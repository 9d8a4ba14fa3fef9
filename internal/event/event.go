package event

import (
	"context"
	"errors"
	"sync"

	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/model"
)

// Publisher publishes task lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev model.TaskEvent) error
}

// PublisherFunc is a helper to use functions as publishers.
type PublisherFunc func(ctx context.Context, ev model.TaskEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev model.TaskEvent) error { return f(ctx, ev) }

// Noop publisher discards the events.
var Noop = PublisherFunc(func(context.Context, model.TaskEvent) error { return nil })

// NewLogPublisher returns a publisher that logs every event.
func NewLogPublisher(logger log.Logger) Publisher {
	logger = logger.WithValues(log.Kv{"svc": "event.LogPublisher"})
	return PublisherFunc(func(ctx context.Context, ev model.TaskEvent) error {
		kv := log.Kv{"task-id": ev.TaskID, "status": ev.Status, "runtime": ev.RuntimeID}
		if ev.Status.IsTerminal() {
			kv["duration-ms"] = ev.DurationMs
		}
		if ev.Error != "" {
			kv["error"] = ev.Error
		}
		logger.WithValues(kv).Infof("Task event %s", ev.Type)
		return nil
	})
}

// NewMultiPublisher publishes each event on all publishers, joining their errors.
func NewMultiPublisher(ps ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, ev model.TaskEvent) error {
		var errs []error
		for _, p := range ps {
			if err := p.Publish(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Recorder is an in-memory publisher that keeps the published events in order.
type Recorder struct {
	mu     sync.Mutex
	events []model.TaskEvent
}

// NewRecorder returns a new recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the event.
func (r *Recorder) Publish(ctx context.Context, ev model.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TaskEvent(nil), r.events...)
}

// EventsFor returns the recorded events of a task.
func (r *Recorder) EventsFor(taskID string) []model.TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evs []model.TaskEvent
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			evs = append(evs, ev)
		}
	}
	return evs
}
