package remindsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v67/github"
	"golang.org/x/oauth2"
)

const defaultRemoteTimeout = 10 * time.Second

type GitHubRemoteOptions struct {
	Token      string
	Repo       string // owner/name
	Path       string
	Branch     string
	BaseURL    string // test override; must be left empty in production
	HTTPClient *http.Client
	Timeout    time.Duration
}

// GitHubRemote stores the JSON snapshot as a single file in a branch of a
// GitHub repository, using the contents API. The blob SHA is the version
// token: captured on Get, passed back on Put, rejected by the API when the
// file moved in between.
type GitHubRemote struct {
	client  *github.Client
	owner   string
	repo    string
	path    string
	branch  string
	timeout time.Duration
}

func NewGitHubRemote(opts GitHubRemoteOptions) (*GitHubRemote, error) {
	repoSpec := strings.TrimSpace(opts.Repo)
	owner, repo, ok := strings.Cut(repoSpec, "/")
	if !ok || strings.TrimSpace(owner) == "" || strings.TrimSpace(repo) == "" {
		return nil, fmt.Errorf("%w: remote repo must be owner/name, got %q", ErrMisconfigured, repoSpec)
	}
	path := strings.TrimSpace(strings.TrimPrefix(opts.Path, "/"))
	if path == "" {
		return nil, fmt.Errorf("%w: remote path is required", ErrMisconfigured)
	}
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = "main"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		token := strings.TrimSpace(opts.Token)
		if token == "" {
			return nil, fmt.Errorf("%w: remote credential is required", ErrMisconfigured)
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	client := github.NewClient(httpClient)
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return nil, err
		}
		client.BaseURL = parsed
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &GitHubRemote{
		client:  client,
		owner:   strings.TrimSpace(owner),
		repo:    strings.TrimSpace(repo),
		path:    path,
		branch:  branch,
		timeout: timeout,
	}, nil
}

func (r *GitHubRemote) Get(ctx context.Context) (*RemoteFile, error) {
	if r == nil {
		return nil, ErrMisconfigured
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fileContent, _, resp, err := r.client.Repositories.GetContents(ctx, r.owner, r.repo, r.path,
		&github.RepositoryContentGetOptions{Ref: r.branch})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, r.classify(err, "")
	}
	if fileContent == nil {
		return nil, fmt.Errorf("%w: remote path %s is not a file", ErrRemoteUnavailable, r.path)
	}
	content, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("%w: decode remote content: %v", ErrRemoteUnavailable, err)
	}
	return &RemoteFile{
		Content: []byte(content),
		Version: fileContent.GetSHA(),
	}, nil
}

func (r *GitHubRemote) Put(ctx context.Context, content []byte, message, expectedVersion string) (string, error) {
	if r == nil {
		return "", ErrMisconfigured
	}
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("%w: commit message is required", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
		Branch:  github.String(r.branch),
	}
	var (
		written *github.RepositoryContentResponse
		err     error
	)
	if expectedVersion != "" {
		opts.SHA = github.String(expectedVersion)
		written, _, err = r.client.Repositories.UpdateFile(ctx, r.owner, r.repo, r.path, opts)
	} else {
		written, _, err = r.client.Repositories.CreateFile(ctx, r.owner, r.repo, r.path, opts)
	}
	if err != nil {
		return "", r.classify(err, expectedVersion)
	}
	if written == nil || written.Content == nil {
		return "", nil
	}
	return written.Content.GetSHA(), nil
}

func (r *GitHubRemote) classify(err error, expectedVersion string) error {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		switch errResp.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrRemoteUnauthorized, err)
		case http.StatusConflict, http.StatusUnprocessableEntity:
			// The contents API answers 409 for a stale SHA and 422 for a
			// create colliding with an existing file.
			return &ConflictError{ExpectedVersion: expectedVersion}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", ErrRemoteUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}

// NewRemoteFromSettings is the default RemoteFactory.
func NewRemoteFromSettings(settings Settings) (RemoteStore, error) {
	return NewGitHubRemote(GitHubRemoteOptions{
		Token:  settings.RemoteCredential,
		Repo:   settings.RemoteRepo,
		Path:   settings.RemotePath,
		Branch: settings.RemoteBranch,
	})
}
