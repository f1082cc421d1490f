// Package publish turns an artifact set into a hosted repository with a
// static site enabled.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/esnunes/pagesmith/internal/github"
	"github.com/esnunes/pagesmith/internal/metrics"
	"github.com/esnunes/pagesmith/internal/models"
	"github.com/esnunes/pagesmith/internal/repo"
)

// Publish stages reported in PublishError.
const (
	StageCreate  = "create_repository"
	StageResolve = "resolve_repository"
	StageCommit  = "commit"
	StagePages   = "enable_pages"
)

// PublishError reports the stage at which publishing stopped.
type PublishError struct {
	Stage string
	Repo  string
	Cause error
}

func (e *PublishError) Error() string {
	if e.Repo == "" {
		return fmt.Sprintf("publish failed at %s: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("publish %s failed at %s: %v", e.Repo, e.Stage, e.Cause)
}

func (e *PublishError) Unwrap() error {
	return e.Cause
}

// Host is the subset of the hosting API the publisher needs.
type Host interface {
	Owner(ctx context.Context) (string, error)
	CreateRepo(ctx context.Context, name, description string) (github.Repo, error)
	GetRepo(ctx context.Context, owner, name string) (github.Repo, error)
	CommitFiles(ctx context.Context, owner, name, branch, message string, files map[string]string) (string, bool, error)
	EnablePages(ctx context.Context, owner, name, branch string) (string, error)
	GetPages(ctx context.Context, owner, name string) (string, bool, error)
}

type Publisher struct {
	host    Host
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func New(host Host, opts ...Option) *Publisher {
	p := &Publisher{host: host, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishInitial creates a repository named name, commits artifacts to its
// default branch and enables Pages. If name is taken by a repository this
// service created, that repository is reused; otherwise it retries once with
// a random suffix.
func (p *Publisher) PublishInitial(ctx context.Context, name string, artifacts models.ArtifactSet) (rec models.RepositoryRecord, err error) {
	start := p.now()
	defer func() { p.observe("initial", start, err) }()

	if err := repo.ValidateName(name); err != nil {
		return rec, &PublishError{Stage: StageCreate, Repo: name, Cause: err}
	}

	description := Description(name)
	r, err := p.host.CreateRepo(ctx, name, description)
	if errors.Is(err, github.ErrRepoExists) {
		r, err = p.resume(ctx, name, description)
	}
	if err != nil {
		return rec, &PublishError{Stage: StageCreate, Repo: name, Cause: err}
	}
	p.log.Info("repository ready", "repo", r.Owner+"/"+r.Name)

	sha, _, err := p.host.CommitFiles(ctx, r.Owner, r.Name, r.DefaultBranch, "Add generated application", artifacts)
	if err != nil {
		return rec, &PublishError{Stage: StageCommit, Repo: r.Owner + "/" + r.Name, Cause: err}
	}

	site, err := p.host.EnablePages(ctx, r.Owner, r.Name, r.DefaultBranch)
	if err != nil {
		return rec, &PublishError{Stage: StagePages, Repo: r.Owner + "/" + r.Name, Cause: err}
	}

	now := p.now()
	return models.RepositoryRecord{
		Owner:         r.Owner,
		Name:          r.Name,
		DefaultBranch: r.DefaultBranch,
		HTMLURL:       htmlURL(r),
		PagesURL:      site,
		PagesEnabled:  true,
		LastCommitSHA: sha,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Description is the repository description written at creation. It marks
// the repository as one this service created for name.
func Description(name string) string {
	return "Static web application " + name
}

// resume handles a create that failed because name is taken. A repository
// this service created earlier for the same name, left behind by a delivery
// whose bookkeeping failed, is reused. Anything else gets a suffixed name.
func (p *Publisher) resume(ctx context.Context, name, description string) (github.Repo, error) {
	owner, err := p.host.Owner(ctx)
	if err != nil {
		return github.Repo{}, fmt.Errorf("resolving owner: %w", err)
	}
	existing, err := p.host.GetRepo(ctx, owner, name)
	if err != nil && !errors.Is(err, github.ErrNotFound) {
		return github.Repo{}, err
	}
	if err == nil && existing.Description == description {
		p.log.Info("reusing repository from an earlier delivery", "repo", existing.Owner+"/"+existing.Name)
		return existing, nil
	}

	retry := repo.WithSuffix(name)
	p.log.Warn("repository name taken, retrying with suffix", "name", name, "retry", retry)
	return p.host.CreateRepo(ctx, retry, description)
}

// PublishRevision commits artifacts on top of the repository in rec and
// makes sure Pages is still enabled. Content identical to the current head
// produces no commit and returns the head SHA.
func (p *Publisher) PublishRevision(ctx context.Context, rec models.RepositoryRecord, artifacts models.ArtifactSet) (out models.RepositoryRecord, err error) {
	start := p.now()
	defer func() { p.observe("revision", start, err) }()

	r, err := p.host.GetRepo(ctx, rec.Owner, rec.Name)
	if err != nil {
		return out, &PublishError{Stage: StageResolve, Repo: rec.FullName(), Cause: err}
	}

	sha, changed, err := p.host.CommitFiles(ctx, r.Owner, r.Name, r.DefaultBranch, "Update generated application", artifacts)
	if err != nil {
		return out, &PublishError{Stage: StageCommit, Repo: rec.FullName(), Cause: err}
	}
	if !changed {
		p.log.Info("revision produced no changes", "repo", rec.FullName(), "sha", sha)
	}

	site, enabled, err := p.host.GetPages(ctx, r.Owner, r.Name)
	if err != nil {
		return out, &PublishError{Stage: StagePages, Repo: rec.FullName(), Cause: err}
	}
	if !enabled {
		p.log.Warn("pages disabled, re-enabling", "repo", rec.FullName())
		site, err = p.host.EnablePages(ctx, r.Owner, r.Name, r.DefaultBranch)
		if err != nil {
			return out, &PublishError{Stage: StagePages, Repo: rec.FullName(), Cause: err}
		}
	}

	out = rec
	out.Owner = r.Owner
	out.Name = r.Name
	out.DefaultBranch = r.DefaultBranch
	out.HTMLURL = htmlURL(r)
	out.PagesURL = site
	out.PagesEnabled = true
	out.LastCommitSHA = sha
	out.UpdatedAt = p.now()
	return out, nil
}

func (p *Publisher) observe(kind string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.Published(kind, status, p.now().Sub(start).Seconds())
}

func htmlURL(r github.Repo) string {
	if r.HTMLURL != "" {
		return r.HTMLURL
	}
	return "https://github.com/" + r.Owner + "/" + r.Name
}
