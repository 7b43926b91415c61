package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowd/core/events"
)

const (
	defaultQueueCapacity   = 256
	defaultHistoryCapacity = 128
	defaultMaxAttempts     = 3
	defaultRequestTimeout  = 10 * time.Second
)

// Delivery records one webhook delivery attempt cycle for a single event.
type Delivery struct {
	ID          string          `json:"id"`
	Event       events.Recorded `json:"event"`
	Attempts    int             `json:"attempts"`
	Delivered   bool            `json:"delivered"`
	LastError   string          `json:"lastError,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Dispatcher consumes the event recorder and POSTs each event to the
// configured target. Failed deliveries are retried with backoff up to the
// attempt budget; the outcome is retained in a bounded history ring.
type Dispatcher struct {
	target      string
	recorder    *events.Recorder
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration

	mu      sync.Mutex
	history []Delivery
	histCap int
}

// Option tweaks dispatcher behaviour.
type Option func(*Dispatcher)

// WithClient overrides the HTTP client, primarily for tests.
func WithClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.client = client }
}

// WithMaxAttempts bounds retries per event.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay between retry attempts.
func WithBackoff(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.backoff = delay
		}
	}
}

// WithHistorySize bounds the retained delivery history.
func WithHistorySize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.histCap = n
		}
	}
}

func NewDispatcher(target string, recorder *events.Recorder, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		target:      target,
		recorder:    recorder,
		client:      &http.Client{Timeout: defaultRequestTimeout},
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		backoff:     time.Second,
		histCap:     defaultHistoryCapacity,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type payload struct {
	DeliveryID string          `json:"deliveryId"`
	Event      events.Recorded `json:"event"`
}

// Run consumes events until ctx is cancelled. It returns ctx.Err() on
// shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.recorder == nil || d.target == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	backlog, updates, cancel := d.recorder.Subscribe(0, defaultQueueCapacity)
	defer cancel()

	for _, rec := range backlog {
		d.deliver(ctx, rec)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			d.deliver(ctx, rec)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec events.Recorded) {
	delivery := Delivery{
		ID:    uuid.NewString(),
		Event: rec,
	}
	body, err := json.Marshal(payload{DeliveryID: delivery.ID, Event: rec})
	if err != nil {
		delivery.LastError = err.Error()
		d.record(delivery)
		return
	}
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		delivery.Attempts = attempt
		if err := d.post(ctx, body); err != nil {
			delivery.LastError = err.Error()
			d.logger.Warn("webhook delivery failed",
				"delivery", delivery.ID, "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				d.record(delivery)
				return
			case <-time.After(d.backoff):
			}
			continue
		}
		delivery.Delivered = true
		delivery.LastError = ""
		break
	}
	delivery.CompletedAt = time.Now().UTC()
	d.record(delivery)
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) record(delivery Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, delivery)
	if overflow := len(d.history) - d.histCap; overflow > 0 {
		d.history = append([]Delivery(nil), d.history[overflow:]...)
	}
}

// History returns a copy of the retained delivery outcomes.
func (d *Dispatcher) History() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delivery(nil), d.history...)
}
