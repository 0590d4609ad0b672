package sessionstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContentsAPI implements the subset of the GitHub REST API the backend uses.
type fakeContentsAPI struct {
	mu       sync.Mutex
	repo     bool
	files    map[string]fakeFile
	seq      int
	commits  []string
	created  []string
	failWith int
}

type fakeFile struct {
	content []byte
	sha     string
}

func newFakeContentsAPI(t *testing.T) (*fakeContentsAPI, *httptest.Server) {
	t.Helper()
	f := &fakeContentsAPI{files: make(map[string]fakeFile)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{repo}", f.getRepo)
	mux.HandleFunc("POST /user/repos", f.createRepo)
	mux.HandleFunc("POST /orgs/{org}/repos", f.createRepo)
	mux.HandleFunc("GET /repos/{owner}/{repo}/contents/{path...}", f.getContents)
	mux.HandleFunc("PUT /repos/{owner}/{repo}/contents/{path...}", f.putContents)
	mux.HandleFunc("DELETE /repos/{owner}/{repo}/contents/{path...}", f.deleteContents)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code := f.failWith
		f.mu.Unlock()
		if code != 0 {
			writeGitHubError(w, code, "injected")
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func writeGitHubError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

func writeGitHubJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeContentsAPI) getRepo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.repo {
		writeGitHubError(w, http.StatusNotFound, "Not Found")
		return
	}
	writeGitHubJSON(w, http.StatusOK, map[string]any{"name": r.PathValue("repo"), "private": true})
}

func (f *fakeContentsAPI) createRepo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Private  bool   `json:"private"`
		AutoInit bool   `json:"auto_init"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeGitHubError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repo {
		writeGitHubError(w, http.StatusUnprocessableEntity, "name already exists on this account")
		return
	}
	if !body.Private || !body.AutoInit {
		writeGitHubError(w, http.StatusBadRequest, "expected private auto-init repo")
		return
	}
	f.repo = true
	f.created = append(f.created, r.URL.Path+":"+body.Name)
	writeGitHubJSON(w, http.StatusCreated, map[string]any{"name": body.Name, "private": true})
}

func (f *fakeContentsAPI) getContents(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.repo {
		writeGitHubError(w, http.StatusNotFound, "Not Found")
		return
	}
	if file, ok := f.files[p]; ok {
		writeGitHubJSON(w, http.StatusOK, map[string]any{
			"type":     "file",
			"encoding": "base64",
			"name":     path.Base(p),
			"path":     p,
			"sha":      file.sha,
			"size":     len(file.content),
			"content":  base64.StdEncoding.EncodeToString(file.content),
		})
		return
	}

	var entries []map[string]any
	for fp, file := range f.files {
		if path.Dir(fp) != p {
			continue
		}
		entries = append(entries, map[string]any{
			"type": "file",
			"name": path.Base(fp),
			"path": fp,
			"sha":  file.sha,
			"size": len(file.content),
		})
	}
	if len(entries) == 0 {
		writeGitHubError(w, http.StatusNotFound, "Not Found")
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i]["path"].(string) < entries[j]["path"].(string) })
	entries = append(entries, map[string]any{"type": "dir", "name": "nested", "path": p + "/nested", "sha": "d"})
	writeGitHubJSON(w, http.StatusOK, entries)
}

func (f *fakeContentsAPI) putContents(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	var body struct {
		Message string  `json:"message"`
		Content []byte  `json:"content"`
		SHA     *string `json:"sha"`
		Branch  string  `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeGitHubError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.repo {
		writeGitHubError(w, http.StatusNotFound, "Not Found")
		return
	}
	cur, exists := f.files[p]
	switch {
	case exists && body.SHA == nil:
		writeGitHubError(w, http.StatusUnprocessableEntity, `"sha" wasn't supplied`)
		return
	case exists && *body.SHA != cur.sha:
		writeGitHubError(w, http.StatusConflict, fmt.Sprintf("%s does not match %s", p, *body.SHA))
		return
	case !exists && body.SHA != nil:
		writeGitHubError(w, http.StatusConflict, "file does not exist")
		return
	}

	f.seq++
	sha := fmt.Sprintf("sha%03d", f.seq)
	f.files[p] = fakeFile{content: body.Content, sha: sha}
	f.commits = append(f.commits, body.Branch+":"+body.Message)

	code := http.StatusOK
	if !exists {
		code = http.StatusCreated
	}
	writeGitHubJSON(w, code, map[string]any{
		"content": map[string]any{"name": path.Base(p), "path": p, "sha": sha},
		"commit":  map[string]any{"sha": "c" + sha, "message": body.Message},
	})
}

func (f *fakeContentsAPI) deleteContents(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("path")
	var body struct {
		Message string `json:"message"`
		SHA     string `json:"sha"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeGitHubError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.files[p]
	if !ok {
		writeGitHubError(w, http.StatusNotFound, "Not Found")
		return
	}
	if cur.sha != body.SHA {
		writeGitHubError(w, http.StatusConflict, "sha mismatch")
		return
	}
	delete(f.files, p)
	f.commits = append(f.commits, body.Branch+":"+body.Message)
	writeGitHubJSON(w, http.StatusOK, map[string]any{"content": nil, "commit": map[string]any{"sha": "del"}})
}

func newTestGitHubBackend(t *testing.T, srv *httptest.Server) *GitHubBackend {
	t.Helper()
	b, err := NewGitHubBackend(GitHubConfig{
		Token:  "test-token",
		Owner:  "acme",
		Repo:   "sessions-db",
		APIURL: srv.URL,
	}, srv.Client())
	require.NoError(t, err)
	return b
}

func TestNewGitHubBackend_RequiresSettings(t *testing.T) {
	_, err := NewGitHubBackend(GitHubConfig{Owner: "o", Repo: "r"}, nil)
	require.Error(t, err)
	_, err = NewGitHubBackend(GitHubConfig{Token: "t", Repo: "r"}, nil)
	require.Error(t, err)
	_, err = NewGitHubBackend(GitHubConfig{Token: "t", Owner: "o", Repo: "r", APIURL: "://bad"}, nil)
	require.Error(t, err)
}

func TestGitHubBackend_ClientRoundTrip(t *testing.T) {
	fake, srv := newFakeContentsAPI(t)
	c := newTestClient(t, newTestGitHubBackend(t, srv))
	ctx := context.Background()

	_, found, err := c.Get(ctx, "15551234567")
	require.NoError(t, err)
	assert.False(t, found, "missing repository reads as no session")

	v1, err := c.Put(ctx, "15551234567", json.RawMessage(`{"registered":false}`))
	require.NoError(t, err)
	assert.Equal(t, "sha001", v1)
	assert.Equal(t, []string{"/user/repos:sessions-db"}, fake.created)

	v2, err := c.Put(ctx, "15551234567", json.RawMessage(`{"registered":true}`))
	require.NoError(t, err)
	assert.Equal(t, "sha002", v2)

	v3, err := c.Put(ctx, "15551234567", json.RawMessage(`{"registered":true}`))
	require.NoError(t, err)
	assert.Equal(t, v2, v3, "identical content is not rewritten")

	got, found, err := c.Get(ctx, "15551234567")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"registered":true}`, string(got))

	items, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "15551234567.json", items[0].Name)

	deleted, err := c.Delete(ctx, "15551234567")
	require.NoError(t, err)
	assert.True(t, deleted)

	assert.Equal(t, []string{
		"main:Save session for 15551234567",
		"main:Save session for 15551234567",
		"main:Delete session for 15551234567",
	}, fake.commits)
}

func TestGitHubBackend_StaleSHAIsConflict(t *testing.T) {
	_, srv := newFakeContentsAPI(t)
	b := newTestGitHubBackend(t, srv)
	ctx := context.Background()
	require.NoError(t, b.EnsureContainer(ctx))

	v1, err := b.Write(ctx, WriteRequest{Path: "sessions/1.json", Data: []byte("{}"), Message: "m"})
	require.NoError(t, err)

	_, err = b.Write(ctx, WriteRequest{Path: "sessions/1.json", Data: []byte("{}"), Message: "m"})
	assert.ErrorIs(t, err, ErrConflict, "create over existing file")

	_, err = b.Write(ctx, WriteRequest{Path: "sessions/1.json", Data: []byte("[]"), Version: "nope", Message: "m"})
	assert.ErrorIs(t, err, ErrConflict)

	obj, err := b.Read(ctx, "sessions/1.json")
	require.NoError(t, err)
	assert.Equal(t, v1, obj.Version)
	assert.Equal(t, "{}", string(obj.Data))
}

func TestGitHubBackend_ServerErrorsAreUnavailable(t *testing.T) {
	fake, srv := newFakeContentsAPI(t)
	fake.failWith = http.StatusBadGateway
	c := newTestClient(t, newTestGitHubBackend(t, srv))

	_, _, err := c.Get(context.Background(), "15551234567")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, strings.Contains(err.Error(), "502"))

	assert.ErrorIs(t, c.Ping(context.Background()), ErrUnavailable)
}

func TestGitHubBackend_EnsureContainerInOrg(t *testing.T) {
	fake, srv := newFakeContentsAPI(t)
	b, err := NewGitHubBackend(GitHubConfig{
		Token:       "t",
		Owner:       "acme",
		Repo:        "creds",
		APIURL:      srv.URL + "/",
		CreateInOrg: true,
	}, srv.Client())
	require.NoError(t, err)

	require.NoError(t, b.Ping(context.Background()), "missing repo is still reachable")
	require.NoError(t, b.EnsureContainer(context.Background()))
	require.NoError(t, b.EnsureContainer(context.Background()))
	assert.Equal(t, []string{"/orgs/acme/repos:creds"}, fake.created)
	assert.Equal(t, "https://github.com/acme/creds/blob/main/sessions/1.json", b.RepoURL("sessions/1.json"))
}
