// Package notify fans transfer outcomes out to notification sinks.
//
// Delivery is fire-and-forget: Dispatcher.Notify never blocks the caller and
// never reports a sink failure back to it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/walletguard/internal/idgen"
	"github.com/mbd888/walletguard/internal/money"
)

// EventType names a transfer outcome.
type EventType string

const (
	EventTransferCompleted EventType = "transfer.completed"
	EventTransferFlagged   EventType = "transfer.flagged"
	EventTransferRejected  EventType = "transfer.rejected"
	EventDepositCompleted  EventType = "deposit.completed"
)

// Event describes a transfer outcome.
type Event struct {
	ID               string       `json:"id"`
	Type             EventType    `json:"type"`
	Timestamp        time.Time    `json:"timestamp"`
	TransactionID    string       `json:"transactionId"`
	ActorID          string       `json:"actorId,omitempty"`
	RecipientID      string       `json:"recipientId"`
	Amount           money.Amount `json:"amount"`
	Currency         string       `json:"currency"`
	CreditedAmount   money.Amount `json:"creditedAmount,omitempty"`
	CreditedCurrency string       `json:"creditedCurrency,omitempty"`
	Reason           string       `json:"reason,omitempty"`
}

// NewEvent stamps an ID and timestamp on a new event.
func NewEvent(t EventType) *Event {
	return &Event{
		ID:        idgen.WithPrefix(idgen.Event),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives events.
type Sink interface {
	Notify(ctx context.Context, e *Event) error
}

// Notifier is what producers depend on.
type Notifier interface {
	Notify(ctx context.Context, e *Event) error
}

var (
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletguard",
			Name:      "notify_deliveries_total",
			Help:      "Notification deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)
	dropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletguard",
			Name:      "notify_dropped_total",
			Help:      "Events dropped because the dispatch queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(deliveries, dropped)
}

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher queues events and delivers them to every sink from a single
// background worker.
type Dispatcher struct {
	mu      sync.RWMutex
	sinks   []namedSink
	queue   chan *Event
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}
}

// NewDispatcher creates a dispatcher with a queue of buffer events. Each
// delivery is bounded by timeout.
func NewDispatcher(logger *slog.Logger, buffer int, timeout time.Duration) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   make(chan *Event, buffer),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Add registers a sink under name.
func (d *Dispatcher) Add(name string, s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: s})
	d.mu.Unlock()
}

// Notify enqueues e. It drops the event when the queue is full and always
// returns nil.
func (d *Dispatcher) Notify(ctx context.Context, e *Event) error {
	select {
	case d.queue <- e:
	default:
		dropped.Inc()
		d.logger.Warn("notification queue full, dropping event", "type", e.Type, "transaction_id", e.TransactionID)
	}
	return nil
}

// Run delivers queued events until ctx ends, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		case e := <-d.queue:
			d.deliver(e)
		}
	}
}

// Done is closed after Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) deliver(e *Event) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, ns := range sinks {
		d.deliverOne(ns, e)
	}
}

func (d *Dispatcher) deliverOne(ns namedSink, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			deliveries.WithLabelValues(ns.name, "panic").Inc()
			d.logger.Error("panic in notification sink", "sink", ns.name, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := ns.sink.Notify(ctx, e); err != nil {
		deliveries.WithLabelValues(ns.name, "error").Inc()
		d.logger.Warn("notification delivery failed", "sink", ns.name, "type", e.Type, "error", err)
		return
	}
	deliveries.WithLabelValues(ns.name, "ok").Inc()
}

// LogSink writes events to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event at INFO.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, e *Event) error {
	s.logger.InfoContext(ctx, "transfer event",
		"event_id", e.ID,
		"type", e.Type,
		"transaction_id", e.TransactionID,
		"actor_id", e.ActorID,
		"recipient_id", e.RecipientID,
		"amount", money.Format(e.Amount, e.Currency),
		"currency", e.Currency,
		"reason", e.Reason)
	return nil
}
