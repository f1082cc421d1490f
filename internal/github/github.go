package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v66/github"
	"golang.org/x/time/rate"
)

var (
	// ErrRepoExists is returned by CreateRepo when the name is taken.
	ErrRepoExists = errors.New("repository already exists")
	ErrNotFound   = errors.New("not found")
)

// Repo identifies a hosted repository.
type Repo struct {
	Owner         string
	Name          string
	DefaultBranch string
	HTMLURL       string
	Description   string
}

// Client talks to the GitHub REST API on behalf of one token.
type Client struct {
	gh      *gh.Client
	org     string
	limiter *rate.Limiter

	loginMu sync.Mutex
	login   string
}

type Option func(*Client)

// WithBaseURL points the client at another API root, such as a GitHub
// Enterprise server or a test server.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		if u, err := url.Parse(base); err == nil {
			c.gh.BaseURL = u
		}
	}
}

// WithRateLimit caps outgoing API calls to rps per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// NewClient creates a client. Repositories are created under org, or under
// the authenticated user when org is empty. Each HTTP call is bounded by
// timeout.
func NewClient(token, org string, timeout time.Duration, opts ...Option) *Client {
	httpClient := &http.Client{Timeout: timeout}
	c := &Client{
		gh:      gh.NewClient(httpClient).WithAuthToken(token),
		org:     org,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for github rate limit: %w", err)
	}
	return nil
}

// CheckAuth verifies the token and returns the authenticated login.
func (c *Client) CheckAuth(ctx context.Context) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("not authenticated with GitHub: %w", err)
	}
	c.loginMu.Lock()
	c.login = user.GetLogin()
	c.loginMu.Unlock()
	return user.GetLogin(), nil
}

// Owner returns the account new repositories are created under: the
// organization, or else the authenticated user.
func (c *Client) Owner(ctx context.Context) (string, error) {
	if c.org != "" {
		return c.org, nil
	}
	c.loginMu.Lock()
	login := c.login
	c.loginMu.Unlock()
	if login != "" {
		return login, nil
	}
	return c.CheckAuth(ctx)
}

// CreateRepo creates a public repository initialised with a README so its
// default branch exists.
func (c *Client) CreateRepo(ctx context.Context, name, description string) (Repo, error) {
	if err := c.wait(ctx); err != nil {
		return Repo{}, err
	}
	r, _, err := c.gh.Repositories.Create(ctx, c.org, &gh.Repository{
		Name:        gh.String(name),
		Description: gh.String(description),
		Private:     gh.Bool(false),
		AutoInit:    gh.Bool(true),
	})
	if err != nil {
		if isNameTaken(err) {
			return Repo{}, fmt.Errorf("creating repository %s: %w", name, ErrRepoExists)
		}
		return Repo{}, fmt.Errorf("creating repository %s: %w", name, err)
	}
	return toRepo(r), nil
}

func (c *Client) GetRepo(ctx context.Context, owner, name string) (Repo, error) {
	if err := c.wait(ctx); err != nil {
		return Repo{}, err
	}
	r, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return Repo{}, fmt.Errorf("getting repository %s/%s: %w", owner, name, classify(err))
	}
	return toRepo(r), nil
}

// CommitFiles writes files to branch as a single commit on top of its
// current head. When the resulting tree equals the head tree no commit is
// created and the head SHA is returned with changed set to false.
func (c *Client) CommitFiles(ctx context.Context, owner, name, branch, message string, files map[string]string) (sha string, changed bool, err error) {
	if err := c.wait(ctx); err != nil {
		return "", false, err
	}
	ref, _, err := c.gh.Git.GetRef(ctx, owner, name, "refs/heads/"+branch)
	if err != nil {
		return "", false, fmt.Errorf("getting branch %s: %w", branch, classify(err))
	}
	if ref.Object == nil {
		return "", false, fmt.Errorf("branch %s has no head commit", branch)
	}
	headSHA := ref.Object.GetSHA()

	if err := c.wait(ctx); err != nil {
		return "", false, err
	}
	head, _, err := c.gh.Git.GetCommit(ctx, owner, name, headSHA)
	if err != nil {
		return "", false, fmt.Errorf("getting head commit: %w", classify(err))
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	entries := make([]*gh.TreeEntry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, &gh.TreeEntry{
			Path:    gh.String(p),
			Mode:    gh.String("100644"),
			Type:    gh.String("blob"),
			Content: gh.String(files[p]),
		})
	}

	if err := c.wait(ctx); err != nil {
		return "", false, err
	}
	tree, _, err := c.gh.Git.CreateTree(ctx, owner, name, head.GetTree().GetSHA(), entries)
	if err != nil {
		return "", false, fmt.Errorf("creating tree: %w", err)
	}
	if tree.GetSHA() == head.GetTree().GetSHA() {
		return headSHA, false, nil
	}

	if err := c.wait(ctx); err != nil {
		return "", false, err
	}
	commit, _, err := c.gh.Git.CreateCommit(ctx, owner, name, &gh.Commit{
		Message: gh.String(message),
		Tree:    &gh.Tree{SHA: tree.SHA},
		Parents: []*gh.Commit{{SHA: gh.String(headSHA)}},
	}, nil)
	if err != nil {
		return "", false, fmt.Errorf("creating commit: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return "", false, err
	}
	ref.Object.SHA = commit.SHA
	if _, _, err := c.gh.Git.UpdateRef(ctx, owner, name, ref, false); err != nil {
		return "", false, fmt.Errorf("updating branch %s: %w", branch, err)
	}
	return commit.GetSHA(), true, nil
}

// EnablePages turns on GitHub Pages for branch at the repository root and
// returns the site URL. Pages that are already enabled are not an error.
func (c *Client) EnablePages(ctx context.Context, owner, name, branch string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	pages, _, err := c.gh.Repositories.EnablePages(ctx, owner, name, &gh.Pages{
		Source: &gh.PagesSource{Branch: gh.String(branch), Path: gh.String("/")},
	})
	if err != nil {
		if !isStatus(err, http.StatusConflict) && !isStatus(err, http.StatusUnprocessableEntity) {
			return "", fmt.Errorf("enabling pages: %w", err)
		}
		site, enabled, infoErr := c.GetPages(ctx, owner, name)
		if infoErr != nil || !enabled {
			return "", fmt.Errorf("enabling pages: %w", err)
		}
		return site, nil
	}
	return pagesURL(pages, owner, name), nil
}

// GetPages reports whether Pages is enabled and its URL.
func (c *Client) GetPages(ctx context.Context, owner, name string) (string, bool, error) {
	if err := c.wait(ctx); err != nil {
		return "", false, err
	}
	pages, _, err := c.gh.Repositories.GetPagesInfo(ctx, owner, name)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("getting pages: %w", err)
	}
	return pagesURL(pages, owner, name), true, nil
}

func toRepo(r *gh.Repository) Repo {
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return Repo{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		DefaultBranch: branch,
		HTMLURL:       r.GetHTMLURL(),
		Description:   r.GetDescription(),
	}
}

// PagesURL is the conventional project site URL.
func PagesURL(owner, name string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", strings.ToLower(owner), name)
}

func pagesURL(p *gh.Pages, owner, name string) string {
	if u := p.GetHTMLURL(); u != "" {
		return u
	}
	return PagesURL(owner, name)
}

func isStatus(err error, code int) bool {
	var er *gh.ErrorResponse
	return errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == code
}

func isNameTaken(err error) bool {
	var er *gh.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil || er.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	for _, e := range er.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return strings.Contains(er.Message, "already exists")
}

func classify(err error) error {
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
