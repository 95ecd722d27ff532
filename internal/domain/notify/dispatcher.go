package notify

import (
	"fmt"

	"identity-server-go/internal/util/work"
)

// Sender delivers one message to one address. Implementations wrap a mail
// relay, an SMS gateway, or a log for development.
type Sender interface {
	Send(address, text string) error
}

// Logger is the minimal logging contract used by the dispatcher.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Message is one queued delivery.
type Message struct {
	Channel string
	Address string
	Text    string
}

// Options configures a Dispatcher.
type Options struct {
	Workers    int
	MaxRetries int
	Logger     Logger
	// Senders maps a channel name (EMAIL, SMS) to its transport.
	Senders map[string]Sender
}

// Dispatcher delivers messages through a background worker pool. Dispatch is
// fire-and-forget: delivery failures are retried, then logged, and never
// surface to the operation that requested the send.
type Dispatcher struct {
	queue      *work.Queue[Message]
	senders    map[string]Sender
	logger     Logger
	maxRetries int
}

// NewDispatcher builds a Dispatcher and starts its workers.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		senders:    opts.Senders,
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	d.queue = work.NewQueue(workers, d.deliver)
	return d
}

// Dispatch queues a message for delivery. It never returns an error; a full
// or stopped queue is logged and the message dropped.
func (d *Dispatcher) Dispatch(channel, address, text string) {
	message := Message{Channel: channel, Address: address, Text: text}
	if err := d.queue.SubmitWithRetries(message, 0, d.maxRetries); err != nil {
		if d.logger != nil {
			d.logger.Warn("dropping %s notification for %s: %v", channel, address, err)
		}
	}
}

func (d *Dispatcher) deliver(message Message) error {
	sender, ok := d.senders[message.Channel]
	if !ok {
		// Nothing to retry against; drop with a log line.
		if d.logger != nil {
			d.logger.Error("no sender configured for channel %s", message.Channel)
		}
		return nil
	}
	if err := d.sendOnce(sender, message); err != nil {
		if d.logger != nil {
			d.logger.Warn("delivery to %s over %s failed: %v", message.Address, message.Channel, err)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) sendOnce(sender Sender, message Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return sender.Send(message.Address, message.Text)
}

// Close stops the worker pool. Queued but undelivered messages are dropped.
func (d *Dispatcher) Close() {
	d.queue.Stop()
}

// LogSender writes messages to the log instead of delivering them. It stands
// in for real email/SMS transports in development and tests.
type LogSender struct {
	Channel string
	Logger  Logger
}

func (s *LogSender) Send(address, text string) error {
	if s.Logger != nil {
		s.Logger.Info("[%s -> %s] %s", s.Channel, address, text)
	}
	return nil
}
