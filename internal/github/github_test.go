package github

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a minimal GitHub REST API for one repository.
type fakeAPI struct {
	mu           sync.Mutex
	existing     map[string]bool
	created      []string
	createdOrgs  []string
	headSHA      string
	headTree     string
	newTree      string
	commits      int
	pagesEnabled bool
	pagesPosts   int
	lastTree     map[string]any
	lastCreate   map[string]any
	lastAuth     string
	userCalls    int
	descriptions map[string]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{existing: map[string]bool{}, descriptions: map[string]string{}, headSHA: "p1", headTree: "t1", newTree: "t2"}
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	createRepo := func(w http.ResponseWriter, r *http.Request, owner string) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.lastCreate = body
		name := body["name"].(string)
		if f.existing[name] {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"message": "Repository creation failed.",
				"errors":  []map[string]any{{"resource": "Repository", "code": "custom", "field": "name", "message": "name already exists on this account"}},
			})
			return
		}
		f.existing[name] = true
		f.descriptions[name], _ = body["description"].(string)
		f.created = append(f.created, name)
		writeJSON(w, http.StatusCreated, map[string]any{
			"name":           name,
			"owner":          map[string]any{"login": owner},
			"default_branch": "main",
			"html_url":       "https://github.com/" + owner + "/" + name,
		})
	}

	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")
		f.userCalls++
		writeJSON(w, http.StatusOK, map[string]any{"login": "student"})
	})
	mux.HandleFunc("POST /user/repos", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		createRepo(w, r, "student")
	})
	mux.HandleFunc("POST /orgs/{org}/repos", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createdOrgs = append(f.createdOrgs, r.PathValue("org"))
		createRepo(w, r, r.PathValue("org"))
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}", func(w http.ResponseWriter, r *http.Request) {
		if !f.existing[r.PathValue("repo")] {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name": r.PathValue("repo"), "owner": map[string]any{"login": r.PathValue("owner")},
			"default_branch": "main", "html_url": "https://github.com/" + r.PathValue("owner") + "/" + r.PathValue("repo"),
			"description": f.descriptions[r.PathValue("repo")],
		})
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": f.headSHA, "type": "commit"}})
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/commits/{sha}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sha": r.PathValue("sha"), "tree": map[string]any{"sha": f.headTree}})
	})
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/trees", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastTree))
		writeJSON(w, http.StatusCreated, map[string]any{"sha": f.newTree})
	})
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/commits", func(w http.ResponseWriter, r *http.Request) {
		f.commits++
		writeJSON(w, http.StatusCreated, map[string]any{"sha": "c2"})
	})
	mux.HandleFunc("PATCH /repos/{owner}/{repo}/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"sha":"c2"`)
		f.headSHA = "c2"
		writeJSON(w, http.StatusOK, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": "c2"}})
	})
	mux.HandleFunc("POST /repos/{owner}/{repo}/pages", func(w http.ResponseWriter, r *http.Request) {
		f.pagesPosts++
		if f.pagesEnabled {
			writeJSON(w, http.StatusConflict, map[string]any{"message": "GitHub Pages is already enabled."})
			return
		}
		f.pagesEnabled = true
		writeJSON(w, http.StatusCreated, map[string]any{"html_url": "https://student.github.io/" + r.PathValue("repo") + "/"})
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}/pages", func(w http.ResponseWriter, r *http.Request) {
		if !f.pagesEnabled {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"html_url": "https://student.github.io/" + r.PathValue("repo") + "/"})
	})
	return mux
}

func newTestClient(t *testing.T, org string) (*Client, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewClient("ghp_test", org, 5*time.Second, WithBaseURL(srv.URL)), api
}

func TestCheckAuth(t *testing.T) {
	c, api := newTestClient(t, "")

	login, err := c.CheckAuth(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "student", login)
	assert.Equal(t, "Bearer ghp_test", api.lastAuth)
}

func TestCreateRepo(t *testing.T) {
	c, api := newTestClient(t, "")

	repo, err := c.CreateRepo(context.Background(), "calculator-app-abc123", "basic calculator")
	require.NoError(t, err)
	assert.Equal(t, Repo{Owner: "student", Name: "calculator-app-abc123", DefaultBranch: "main", HTMLURL: "https://github.com/student/calculator-app-abc123"}, repo)

	assert.Equal(t, true, api.lastCreate["auto_init"])
	assert.Equal(t, false, api.lastCreate["private"])

	_, err = c.CreateRepo(context.Background(), "calculator-app-abc123", "basic calculator")
	assert.ErrorIs(t, err, ErrRepoExists)
	assert.Equal(t, []string{"calculator-app-abc123"}, api.created)
}

func TestCreateRepo_Org(t *testing.T) {
	c, api := newTestClient(t, "acme")

	repo, err := c.CreateRepo(context.Background(), "app", "")
	require.NoError(t, err)
	assert.Equal(t, "acme", repo.Owner)
	assert.Equal(t, []string{"acme"}, api.createdOrgs)
}

func TestGetRepo(t *testing.T) {
	c, _ := newTestClient(t, "")
	_, err := c.CreateRepo(context.Background(), "app", "Static web application app")
	require.NoError(t, err)

	repo, err := c.GetRepo(context.Background(), "student", "app")

	require.NoError(t, err)
	assert.Equal(t, "Static web application app", repo.Description)
	assert.Equal(t, "main", repo.DefaultBranch)
}

func TestOwner(t *testing.T) {
	c, api := newTestClient(t, "")

	for range 2 {
		owner, err := c.Owner(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "student", owner)
	}
	assert.Equal(t, 1, api.userCalls, "login is cached")

	org, _ := newTestClient(t, "acme")
	owner, err := org.Owner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
}

func TestGetRepo_NotFound(t *testing.T) {
	c, _ := newTestClient(t, "")

	_, err := c.GetRepo(context.Background(), "student", "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitFiles(t *testing.T) {
	c, api := newTestClient(t, "")

	sha, changed, err := c.CommitFiles(context.Background(), "student", "app", "main", "Add app", map[string]string{
		"index.html": "<html></html>",
		"style.css":  "body{}",
	})

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "c2", sha)
	assert.Equal(t, 1, api.commits)
	assert.Equal(t, "t1", api.lastTree["base_tree"])
	entries := api.lastTree["tree"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "index.html", entries[0].(map[string]any)["path"])
}

func TestCommitFiles_NoChange(t *testing.T) {
	c, api := newTestClient(t, "")
	api.newTree = api.headTree

	sha, changed, err := c.CommitFiles(context.Background(), "student", "app", "main", "Update", map[string]string{"index.html": "same"})

	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "p1", sha)
	assert.Equal(t, 0, api.commits)
}

func TestEnablePages(t *testing.T) {
	c, api := newTestClient(t, "")

	url, err := c.EnablePages(context.Background(), "student", "app", "main")
	require.NoError(t, err)
	assert.Equal(t, "https://student.github.io/app/", url)

	url, err = c.EnablePages(context.Background(), "student", "app", "main")
	require.NoError(t, err, "already enabled is not an error")
	assert.Equal(t, "https://student.github.io/app/", url)
	assert.Equal(t, 2, api.pagesPosts)
}

func TestGetPages(t *testing.T) {
	c, api := newTestClient(t, "")

	_, enabled, err := c.GetPages(context.Background(), "student", "app")
	require.NoError(t, err)
	assert.False(t, enabled)

	api.pagesEnabled = true
	url, enabled, err := c.GetPages(context.Background(), "student", "app")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "https://student.github.io/app/", url)
}

func TestPagesURL(t *testing.T) {
	assert.Equal(t, "https://student.github.io/My-App/", PagesURL("Student", "My-App"))
}
