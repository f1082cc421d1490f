package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/esnunes/pagesmith/internal/logging"
	"github.com/esnunes/pagesmith/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []models.NotificationAttempt
}

func (r *fakeRecorder) RecordAttempt(a models.NotificationAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

// callback fails the first failures requests with status, then accepts.
type callback struct {
	mu       sync.Mutex
	failures int
	status   int
	bodies   []string
}

func (c *callback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := io.ReadAll(r.Body)
	c.bodies = append(c.bodies, string(b))
	if r.Header.Get("Content-Type") != "application/json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	if len(c.bodies) <= c.failures {
		w.WriteHeader(c.status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func outcome() models.OutcomeResult {
	return models.OutcomeResult{
		Email:     "student@example.com",
		Task:      "calculator-app",
		Round:     1,
		Nonce:     "abc123",
		RepoURL:   "https://github.com/student/calculator-app-abc123",
		CommitSHA: "c0ffee",
		PagesURL:  "https://student.github.io/calculator-app-abc123/",
		Status:    models.StatusSuccess,
	}
}

func newNotifier(rec *fakeRecorder, sleeps *[]time.Duration) *Notifier {
	return New(
		WithLogger(logging.Discard()),
		WithRecorder(rec),
		WithSleep(func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		}),
	)
}

func TestNotify_FirstAttempt(t *testing.T) {
	cb := &callback{}
	srv := httptest.NewServer(cb)
	defer srv.Close()
	rec := &fakeRecorder{}
	var sleeps []time.Duration

	err := newNotifier(rec, &sleeps).Notify(context.Background(), outcome(), srv.URL)

	require.NoError(t, err)
	assert.Empty(t, sleeps)
	require.Len(t, cb.bodies, 1)

	var got models.OutcomeResult
	require.NoError(t, json.Unmarshal([]byte(cb.bodies[0]), &got))
	assert.Equal(t, outcome(), got)
	require.Len(t, rec.attempts, 1)
	assert.Equal(t, http.StatusOK, rec.attempts[0].StatusCode)
	assert.Empty(t, rec.attempts[0].Error)
}

func TestNotify_SucceedsOnFifthAttempt(t *testing.T) {
	cb := &callback{failures: 4, status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(cb)
	defer srv.Close()
	rec := &fakeRecorder{}
	var sleeps []time.Duration

	err := newNotifier(rec, &sleeps).Notify(context.Background(), outcome(), srv.URL)

	require.NoError(t, err)
	assert.Len(t, cb.bodies, 5)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeps)
	for _, b := range cb.bodies[1:] {
		assert.Equal(t, cb.bodies[0], b, "every attempt sends the same bytes")
	}
	require.Len(t, rec.attempts, 5)
	for i, a := range rec.attempts {
		assert.Equal(t, i+1, a.Attempt)
	}
	assert.Equal(t, http.StatusServiceUnavailable, rec.attempts[3].StatusCode)
	assert.Equal(t, http.StatusOK, rec.attempts[4].StatusCode)
}

func TestNotify_ExhaustsAttempts(t *testing.T) {
	cb := &callback{failures: 100, status: http.StatusInternalServerError}
	srv := httptest.NewServer(cb)
	defer srv.Close()
	rec := &fakeRecorder{}
	var sleeps []time.Duration

	err := newNotifier(rec, &sleeps).Notify(context.Background(), outcome(), srv.URL)

	assert.ErrorIs(t, err, ErrNotifyFailed)
	assert.Len(t, cb.bodies, 6)
	assert.Equal(t, DefaultDelays, sleeps)
	assert.Len(t, rec.attempts, 6)
}

func TestNotify_RetriesClientErrors(t *testing.T) {
	cb := &callback{failures: 1, status: http.StatusBadRequest}
	srv := httptest.NewServer(cb)
	defer srv.Close()
	var sleeps []time.Duration

	err := newNotifier(&fakeRecorder{}, &sleeps).Notify(context.Background(), outcome(), srv.URL)

	require.NoError(t, err)
	assert.Len(t, cb.bodies, 2)
	assert.Equal(t, []time.Duration{time.Second}, sleeps)
}

func TestNotify_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	rec := &fakeRecorder{}
	var sleeps []time.Duration

	err := newNotifier(rec, &sleeps).Notify(context.Background(), outcome(), url)

	assert.ErrorIs(t, err, ErrNotifyFailed)
	require.Len(t, rec.attempts, 6)
	assert.Zero(t, rec.attempts[0].StatusCode)
	assert.NotEmpty(t, rec.attempts[0].Error)
}

func TestNotify_AttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	n := New(
		WithLogger(logging.Discard()),
		WithTimeout(20*time.Millisecond),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	err := n.Notify(context.Background(), outcome(), srv.URL)

	assert.ErrorIs(t, err, ErrNotifyFailed)
}

func TestNotify_CancelledWhileWaiting(t *testing.T) {
	cb := &callback{failures: 100, status: http.StatusBadGateway}
	srv := httptest.NewServer(cb)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := New(WithLogger(logging.Discard()))
	err := n.Notify(ctx, outcome(), srv.URL)

	assert.ErrorIs(t, err, ErrNotifyFailed)
	assert.True(t, errors.Is(err, context.Canceled))
}
