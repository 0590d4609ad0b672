package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

// GitHubConfig configures the repository-contents backend.
type GitHubConfig struct {
	Token  string
	Owner  string
	Repo   string
	Branch string

	// APIURL overrides https://api.github.com/ (GitHub Enterprise, tests).
	APIURL string

	// CreateInOrg creates the repository under Owner as an organization instead
	// of under the authenticated user.
	CreateInOrg bool

	Description string
	Timeout     time.Duration
}

// GitHubBackend stores blobs as files in a private repository. The version token
// is the blob SHA GitHub reports for the file.
type GitHubBackend struct {
	gh     *github.Client
	owner  string
	repo   string
	branch string

	createInOrg bool
	description string
}

// NewGitHubBackend builds a backend from cfg. Token, Owner and Repo are required.
func NewGitHubBackend(cfg GitHubConfig, httpClient *http.Client) (*GitHubBackend, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("sessionstore: github token is required")
	}
	if strings.TrimSpace(cfg.Owner) == "" || strings.TrimSpace(cfg.Repo) == "" {
		return nil, errors.New("sessionstore: github owner and repo are required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	gh := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	gh.UserAgent = "pairgate"
	if raw := strings.TrimSpace(cfg.APIURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: github api url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		gh.BaseURL = u
	}

	b := &GitHubBackend{
		gh:          gh,
		owner:       cfg.Owner,
		repo:        cfg.Repo,
		branch:      cfg.Branch,
		createInOrg: cfg.CreateInOrg,
		description: cfg.Description,
	}
	if b.branch == "" {
		b.branch = "main"
	}
	if b.description == "" {
		b.description = "Paired messaging sessions"
	}
	return b, nil
}

// Name implements Backend.
func (b *GitHubBackend) Name() string { return "github" }

// Read implements Backend.
func (b *GitHubBackend) Read(ctx context.Context, p string) (Object, error) {
	file, _, resp, err := b.gh.Repositories.GetContents(ctx, b.owner, b.repo, p, &github.RepositoryContentGetOptions{Ref: b.branch})
	if err != nil {
		return Object{}, classifyGitHub("read", p, resp, err)
	}
	if file == nil {
		return Object{}, fmt.Errorf("github read %s: %w: path is a directory", p, ErrUnavailable)
	}
	content, err := file.GetContent()
	if err != nil {
		return Object{}, fmt.Errorf("github read %s: decode: %w", p, err)
	}
	return Object{Data: []byte(content), Version: file.GetSHA()}, nil
}

// Write implements Backend.
func (b *GitHubBackend) Write(ctx context.Context, req WriteRequest) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(req.Message),
		Content: req.Data,
		Branch:  github.String(b.branch),
	}

	var (
		res  *github.RepositoryContentResponse
		resp *github.Response
		err  error
	)
	if req.Version == "" {
		res, resp, err = b.gh.Repositories.CreateFile(ctx, b.owner, b.repo, req.Path, opts)
	} else {
		opts.SHA = github.String(req.Version)
		res, resp, err = b.gh.Repositories.UpdateFile(ctx, b.owner, b.repo, req.Path, opts)
	}
	if err != nil {
		return "", classifyGitHub("write", req.Path, resp, err)
	}
	if res == nil || res.Content == nil {
		return "", fmt.Errorf("github write %s: %w: empty response", req.Path, ErrUnavailable)
	}
	return res.Content.GetSHA(), nil
}

// Remove implements Backend.
func (b *GitHubBackend) Remove(ctx context.Context, req RemoveRequest) error {
	_, resp, err := b.gh.Repositories.DeleteFile(ctx, b.owner, b.repo, req.Path, &github.RepositoryContentFileOptions{
		Message: github.String(req.Message),
		SHA:     github.String(req.Version),
		Branch:  github.String(b.branch),
	})
	if err != nil {
		return classifyGitHub("remove", req.Path, resp, err)
	}
	return nil
}

// List implements Backend.
func (b *GitHubBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	_, dir, resp, err := b.gh.Repositories.GetContents(ctx, b.owner, b.repo, prefix, &github.RepositoryContentGetOptions{Ref: b.branch})
	if err != nil {
		return nil, classifyGitHub("list", prefix, resp, err)
	}
	out := make([]ObjectInfo, 0, len(dir))
	for _, e := range dir {
		if e.GetType() != "file" {
			continue
		}
		out = append(out, ObjectInfo{
			Name:    e.GetName(),
			Path:    e.GetPath(),
			Size:    int64(e.GetSize()),
			Version: e.GetSHA(),
		})
	}
	return out, nil
}

// EnsureContainer creates the private repository when it does not exist yet.
func (b *GitHubBackend) EnsureContainer(ctx context.Context) error {
	_, resp, err := b.gh.Repositories.Get(ctx, b.owner, b.repo)
	if err == nil {
		return nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return classifyGitHub("ensure_container", b.repo, resp, err)
	}

	org := ""
	if b.createInOrg {
		org = b.owner
	}
	_, resp, err = b.gh.Repositories.Create(ctx, org, &github.Repository{
		Name:        github.String(b.repo),
		Private:     github.Bool(true),
		AutoInit:    github.Bool(true),
		Description: github.String(b.description),
	})
	if err != nil {
		// Someone else created it first.
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			return nil
		}
		return classifyGitHub("create_container", b.repo, resp, err)
	}
	return nil
}

// Ping checks API reachability and credentials. A missing repository is fine.
func (b *GitHubBackend) Ping(ctx context.Context) error {
	_, resp, err := b.gh.Repositories.Get(ctx, b.owner, b.repo)
	if err != nil && (resp == nil || resp.StatusCode != http.StatusNotFound) {
		return classifyGitHub("ping", b.repo, resp, err)
	}
	return nil
}

// RepoURL returns the browser URL of a stored blob.
func (b *GitHubBackend) RepoURL(p string) string {
	return "https://github.com/" + path.Join(b.owner, b.repo, "blob", b.branch, p)
}

// classifyGitHub maps API failures onto the store error kinds.
// 409 is a stale SHA; 422 is a create on an existing path or a missing SHA.
func classifyGitHub(op, p string, resp *github.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("github %s %s: %w", op, p, ErrNotFound)
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return fmt.Errorf("github %s %s: %w: %v", op, p, ErrConflict, err)
		}
	}
	return fmt.Errorf("github %s %s: %w: %w", op, p, ErrUnavailable, err)
}
