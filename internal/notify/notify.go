// Package notify delivers task outcomes to the evaluation callback URL.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/esnunes/pagesmith/internal/metrics"
	"github.com/esnunes/pagesmith/internal/models"
)

// ErrNotifyFailed is returned when every delivery attempt failed.
var ErrNotifyFailed = errors.New("notification failed")

// DefaultDelays are the waits between attempts. len(DefaultDelays)+1
// attempts are made in total.
var DefaultDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

const DefaultTimeout = 30 * time.Second

// Attempt outcomes, also used as metric labels.
const (
	OutcomeDelivered      = "delivered"
	OutcomeRejected       = "rejected"
	OutcomeTransportError = "transport_error"
)

// AttemptRecorder persists the audit trail of delivery attempts.
type AttemptRecorder interface {
	RecordAttempt(a models.NotificationAttempt) error
}

type Notifier struct {
	client   *http.Client
	timeout  time.Duration
	delays   []time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	recorder AttemptRecorder
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Notifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.timeout = d }
}

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(n *Notifier) { n.sleep = sleep }
}

func WithRecorder(r AttemptRecorder) Option {
	return func(n *Notifier) { n.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

func New(opts ...Option) *Notifier {
	n := &Notifier{
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		delays:  DefaultDelays,
		sleep:   sleepContext,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Notify POSTs outcome as JSON to url until a 2xx response is received or
// the attempts are exhausted. Any non-2xx status is retried.
func (n *Notifier) Notify(ctx context.Context, outcome models.OutcomeResult, url string) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}

	log := n.log.With("task", outcome.Task, "round", outcome.Round, "nonce", outcome.Nonce, "stage", "notify")
	attempts := len(n.delays) + 1
	var lastErr error
	for i := 1; i <= attempts; i++ {
		status, err := n.post(ctx, url, body)
		n.record(outcome, url, i, status, err)
		if err == nil {
			n.metrics.NotificationAttempt(OutcomeDelivered)
			log.Info("outcome delivered", "attempt", i, "status", status)
			return nil
		}
		lastErr = err
		if status == 0 {
			n.metrics.NotificationAttempt(OutcomeTransportError)
		} else {
			n.metrics.NotificationAttempt(OutcomeRejected)
		}
		log.Warn("notification attempt failed", "attempt", i, "status", status, "error", err)

		if i == attempts {
			break
		}
		if err := n.sleep(ctx, n.delays[i-1]); err != nil {
			return fmt.Errorf("%w after %d attempts: %w", ErrNotifyFailed, i, err)
		}
	}
	log.Error("giving up on notification", "attempts", attempts, "error", lastErr)
	return fmt.Errorf("%w after %d attempts: %w", ErrNotifyFailed, attempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("evaluation endpoint returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func (n *Notifier) record(outcome models.OutcomeResult, url string, attempt, status int, err error) {
	if n.recorder == nil {
		return
	}
	a := models.NotificationAttempt{
		Task:       outcome.Task,
		Round:      outcome.Round,
		Nonce:      outcome.Nonce,
		URL:        url,
		Attempt:    attempt,
		StatusCode: status,
		CreatedAt:  n.now(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	if rerr := n.recorder.RecordAttempt(a); rerr != nil {
		n.log.Error("recording notification attempt", "error", rerr)
	}
}
