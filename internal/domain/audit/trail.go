package audit

import (
	"context"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
)

// TopicRecorded is published on the event bus after every append, letting
// subscribers (alerting, counters) observe the stream without touching the sink.
const TopicRecorded = "audit.recorded"

// Sink is the narrow collaborator every component writes through.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Logger is the minimal logging contract used by the trail.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Options configures a Trail.
type Options struct {
	Sink    Sink
	Logger  Logger
	Workers int
	Buffer  int
}

// Trail appends security events to a sink. Critical kinds are written
// synchronously before the caller proceeds; everything else goes through a
// buffered worker pool and may be dropped under extreme backpressure.
type Trail struct {
	sink    Sink
	logger  Logger
	bus     evbus.Bus
	queue   chan Event
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
}

// NewTrail builds a Trail and starts its async workers.
func NewTrail(opts Options) *Trail {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	t := &Trail{
		sink:   opts.Sink,
		logger: opts.Logger,
		bus:    evbus.New(),
		queue:  make(chan Event, buffer),
		stop:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// Subscribe registers a handler for recorded events. The handler receives
// the Event value after it reached the sink (or was queued for it).
func (t *Trail) Subscribe(fn func(Event)) error {
	return t.bus.Subscribe(TopicRecorded, fn)
}

// Record appends an event. Critical kinds, and any call with sync=true, block
// until the sink accepts the event. Append failures on the async path are
// logged and dropped; the trail never fails a caller's operation for a
// non-critical event.
func (t *Trail) Record(ctx context.Context, event Event, sync bool) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if sync || event.Kind.Critical() {
		if err := t.sink.Append(ctx, event); err != nil {
			if t.logger != nil {
				t.logger.Error("audit append failed: %s: %v", event.Kind, err)
			}
			return err
		}
		t.bus.Publish(TopicRecorded, event)
		return nil
	}

	select {
	case t.queue <- event:
	default:
		if t.logger != nil {
			t.logger.Warn("audit queue full, dropping event: %s", event.Kind)
		}
	}
	return nil
}

func (t *Trail) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case event := <-t.queue:
					t.append(event)
				default:
					return
				}
			}
		case event := <-t.queue:
			t.append(event)
		}
	}
}

func (t *Trail) append(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.sink.Append(ctx, event); err != nil {
		if t.logger != nil {
			t.logger.Error("audit append failed: %s: %v", event.Kind, err)
		}
		return
	}
	t.bus.Publish(TopicRecorded, event)
}

// Close stops the async workers after draining the queue.
func (t *Trail) Close() {
	t.stopped.Do(func() {
		close(t.stop)
	})
	t.wg.Wait()
}
