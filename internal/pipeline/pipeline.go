// Package pipeline processes task submissions end to end: authenticate,
// validate, generate, publish, persist, then notify the evaluator.
package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/esnunes/pagesmith/internal/db"
	"github.com/esnunes/pagesmith/internal/generate"
	"github.com/esnunes/pagesmith/internal/llm"
	"github.com/esnunes/pagesmith/internal/metrics"
	"github.com/esnunes/pagesmith/internal/models"
	"github.com/esnunes/pagesmith/internal/repo"
)

var (
	// ErrUnauthorized is returned when the submission secret does not match.
	ErrUnauthorized = errors.New("invalid secret")
	// ErrUnknownTask is returned for a revision of a task that has no
	// repository.
	ErrUnknownTask = errors.New("unknown task")
	// ErrBusy is returned when every worker is taken and the wait queue is
	// full.
	ErrBusy = errors.New("too many submissions in progress")
)

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields []models.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Param != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", f.Field, f.Rule, f.Param))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Rule))
		}
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// Submission results, used as metric labels.
const (
	ResultSuccess       = "success"
	ResultDuplicate     = "duplicate"
	ResultUnauthorized  = "unauthorized"
	ResultInvalid       = "invalid"
	ResultUnknownTask   = "unknown_task"
	ResultBusy          = "busy"
	ResultPublishFailed = "publish_failed"
	ResultError         = "error"
)

// Store persists repositories and submissions. *db.Queries implements it.
type Store interface {
	GetSubmission(task string, round int, nonce string) (*models.Submission, error)
	PreviousSubmission(task string, round int) (*models.Submission, error)
	CreateSubmission(s models.Submission) (*models.Submission, error)
	LatestRepository(task string) (*models.RepositoryRecord, error)
	SaveRepository(rec models.RepositoryRecord) (*models.RepositoryRecord, error)
}

// Generator produces the artifact set for a submission. It never fails.
type Generator interface {
	Generate(ctx context.Context, in generate.Input) generate.Result
}

// Publisher creates or updates the hosted repository.
type Publisher interface {
	PublishInitial(ctx context.Context, name string, artifacts models.ArtifactSet) (models.RepositoryRecord, error)
	PublishRevision(ctx context.Context, rec models.RepositoryRecord, artifacts models.ArtifactSet) (models.RepositoryRecord, error)
}

// Notifier reports an outcome to the evaluation URL.
type Notifier interface {
	Notify(ctx context.Context, outcome models.OutcomeResult, url string) error
}

// Config controls authentication and concurrency of a Pipeline.
type Config struct {
	// Secret is compared in constant time with each submission's secret.
	Secret string
	// Workers is the number of submissions processed concurrently.
	Workers int
	// Queue is how many submissions may wait for a worker.
	Queue int
	// Holder is the copyright holder written to LICENSE.
	Holder string
}

// Pipeline runs submissions through generation and publishing with bounded
// concurrency.
type Pipeline struct {
	cfg       Config
	store     Store
	generator Generator
	publisher Publisher
	notifier  Notifier
	log       *slog.Logger
	metrics   *metrics.Metrics

	sem       *semaphore.Weighted
	waiting   atomic.Int64
	taskLocks sync.Map // task ID → *semaphore.Weighted of weight 1

	notifications conc.WaitGroup
	notifyCtx     context.Context
	stopNotify    context.CancelFunc
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New returns a pipeline. Workers below 1 is raised to 1 and a negative
// Queue is treated as 0.
func New(cfg Config, store Store, generator Generator, publisher Publisher, notifier Notifier, opts ...Option) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Queue < 0 {
		cfg.Queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		store:      store,
		generator:  generator,
		publisher:  publisher,
		notifier:   notifier,
		log:        slog.Default(),
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		notifyCtx:  ctx,
		stopNotify: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one submission and returns its outcome. The evaluator is
// notified in the background after Handle returns successfully.
//
// The per-task lock is taken before a worker slot, so submissions waiting
// behind another one for the same task do not hold workers.
func (p *Pipeline) Handle(ctx context.Context, req models.TaskRequest) (models.OutcomeResult, error) {
	log := p.log.With("task", req.Task, "round", req.Round, "nonce", req.Nonce)

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(p.cfg.Secret)) != 1 || p.cfg.Secret == "" {
		log.Warn("submission rejected", "stage", "authenticate")
		p.metrics.Submission(ResultUnauthorized)
		return models.OutcomeResult{}, ErrUnauthorized
	}

	if fields := req.Validate(); len(fields) > 0 {
		err := &ValidationError{Fields: fields}
		log.Warn("submission rejected", "stage", "validate", "error", err)
		p.metrics.Submission(ResultInvalid)
		return models.OutcomeResult{}, err
	}

	unlock, err := p.lockTask(ctx, req.Task)
	if err != nil {
		log.Warn("submission abandoned", "stage", "lock", "error", err)
		p.metrics.Submission(ResultError)
		return models.OutcomeResult{}, err
	}
	release, err := p.acquire(ctx)
	if err != nil {
		unlock()
		log.Warn("submission rejected", "stage", "queue", "error", err)
		if errors.Is(err, ErrBusy) {
			p.metrics.Submission(ResultBusy)
		} else {
			p.metrics.Submission(ResultError)
		}
		return models.OutcomeResult{}, err
	}
	outcome, result, err := p.process(ctx, log, req)
	release()
	unlock()

	p.metrics.Submission(result)
	if err != nil {
		return models.OutcomeResult{}, err
	}
	p.scheduleNotify(log, outcome, req.EvaluationURL)
	return outcome, nil
}

// acquire takes a worker slot, waiting in the queue when all are busy.
func (p *Pipeline) acquire(ctx context.Context) (func(), error) {
	if !p.sem.TryAcquire(1) {
		if p.waiting.Add(1) > int64(p.cfg.Queue) {
			p.waiting.Add(-1)
			return nil, ErrBusy
		}
		err := p.sem.Acquire(ctx, 1)
		p.waiting.Add(-1)
		if err != nil {
			return nil, fmt.Errorf("waiting for a worker: %w", err)
		}
	}
	p.metrics.Inflight(1)
	return func() {
		p.metrics.Inflight(-1)
		p.sem.Release(1)
	}, nil
}

// lockTask waits for exclusive use of task or for ctx to end. The returned
// func releases the lock.
func (p *Pipeline) lockTask(ctx context.Context, task string) (func(), error) {
	v, ok := p.taskLocks.Load(task)
	if !ok {
		v, _ = p.taskLocks.LoadOrStore(task, semaphore.NewWeighted(1))
	}
	lock := v.(*semaphore.Weighted)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for task %s: %w", task, err)
	}
	return func() { lock.Release(1) }, nil
}

// process runs the steps that must not interleave for one task.
func (p *Pipeline) process(ctx context.Context, log *slog.Logger, req models.TaskRequest) (models.OutcomeResult, string, error) {
	prev, err := p.store.GetSubmission(req.Task, req.Round, req.Nonce)
	switch {
	case err == nil:
		log.Info("duplicate submission, replaying outcome", "stage", "dedupe", "repo", prev.Outcome.RepoURL)
		return prev.Outcome, ResultDuplicate, nil
	case !errors.Is(err, db.ErrNotFound):
		log.Error("submission failed", "stage", "dedupe", "error", err)
		return models.OutcomeResult{}, ResultError, fmt.Errorf("checking for duplicate: %w", err)
	}

	in := generate.Input{
		Task:        req.Task,
		Round:       req.Round,
		Brief:       req.Brief,
		Checks:      req.Checks,
		Attachments: req.Attachments,
		Holder:      p.cfg.Holder,
	}

	var existing *models.RepositoryRecord
	if req.Round >= 2 {
		existing, err = p.store.LatestRepository(req.Task)
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("submission rejected", "stage", "dispatch", "error", ErrUnknownTask)
			return models.OutcomeResult{}, ResultUnknownTask, fmt.Errorf("%w: %s", ErrUnknownTask, req.Task)
		}
		if err != nil {
			log.Error("submission failed", "stage", "dispatch", "error", err)
			return models.OutcomeResult{}, ResultError, fmt.Errorf("looking up repository: %w", err)
		}
		in.Prior = p.prior(log, req)
	}

	gen := p.generator.Generate(ctx, in)
	log.Info("generation finished", "stage", "generate", "strategy", gen.Strategy)

	var rec models.RepositoryRecord
	if existing == nil {
		rec, err = p.publisher.PublishInitial(ctx, repo.Name(req.Task, req.Nonce), gen.Artifacts)
	} else {
		rec, err = p.publisher.PublishRevision(ctx, *existing, gen.Artifacts)
	}
	if err != nil {
		log.Error("submission failed", "stage", "publish", "error", err)
		return models.OutcomeResult{}, ResultPublishFailed, err
	}
	rec.Task = req.Task

	outcome := models.OutcomeResult{
		Email:     req.Email,
		Task:      req.Task,
		Round:     req.Round,
		Nonce:     req.Nonce,
		RepoURL:   rec.HTMLURL,
		CommitSHA: rec.LastCommitSHA,
		PagesURL:  rec.PagesURL,
		Status:    models.StatusSuccess,
	}
	if err := p.persist(req, rec, gen, outcome); err != nil {
		log.Error("submission failed", "stage", "persist", "repo", rec.FullName(), "error", err)
		return models.OutcomeResult{}, ResultError, err
	}

	log.Info("submission processed", "stage", "publish", "repo", rec.FullName(), "commit", rec.LastCommitSHA)
	return outcome, ResultSuccess, nil
}

// prior loads the context of the latest earlier round. A missing record
// yields an empty prior so the brief is still treated as revision
// instructions.
func (p *Pipeline) prior(log *slog.Logger, req models.TaskRequest) *llm.Prior {
	prev, err := p.store.PreviousSubmission(req.Task, req.Round)
	if err != nil {
		log.Warn("no prior submission, revising without context", "stage", "dispatch", "error", err)
		return &llm.Prior{}
	}
	return &llm.Prior{Brief: prev.Brief, Checks: prev.Checks, Artifacts: prev.Artifacts}
}

// persist stores the repository and submission. On failure the submission
// is not acknowledged; a redelivery finds the published repository again
// through the publisher.
func (p *Pipeline) persist(req models.TaskRequest, rec models.RepositoryRecord, gen generate.Result, outcome models.OutcomeResult) error {
	saved, err := p.store.SaveRepository(rec)
	if err != nil {
		return fmt.Errorf("persisting repository: %w", err)
	}
	_, err = p.store.CreateSubmission(models.Submission{
		Task:         req.Task,
		Round:        req.Round,
		Nonce:        req.Nonce,
		Brief:        req.Brief,
		Checks:       req.Checks,
		Artifacts:    gen.Artifacts,
		Strategy:     gen.Strategy,
		RepositoryID: saved.ID,
		Outcome:      outcome,
	})
	if err != nil {
		return fmt.Errorf("persisting submission: %w", err)
	}
	return nil
}

func (p *Pipeline) scheduleNotify(log *slog.Logger, outcome models.OutcomeResult, url string) {
	p.notifications.Go(func() {
		if err := p.notifier.Notify(p.notifyCtx, outcome, url); err != nil {
			log.Error("evaluator was not notified", "stage", "notify", "error", err)
		}
	})
}

// Wait blocks until all scheduled notifications have finished.
func (p *Pipeline) Wait() {
	p.notifications.Wait()
}

// Shutdown waits for pending notifications. When ctx expires first the
// remaining ones are cancelled and Shutdown returns after they stop.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.notifications.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.stopNotify()
		return nil
	case <-ctx.Done():
		p.stopNotify()
		<-done
		return fmt.Errorf("pending notifications cancelled: %w", ctx.Err())
	}
}
