package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/attested-lookup/common"
	"github.com/ruteri/attested-lookup/interfaces"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	maxGitHubContent = 4 << 20
)

// GitHubBackend is a read-only backend over a repository laid out as
// <namespace>/<content id>, read through the GitHub contents API.
type GitHubBackend struct {
	apiURL      string
	owner       string
	repo        string
	ref         string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

// NewGitHubBackend reads from owner/repo at ref. An empty ref reads the
// default branch.
func NewGitHubBackend(owner, repo, ref string, log *slog.Logger) *GitHubBackend {
	if log == nil {
		log = common.DiscardLogger()
	}
	uri := fmt.Sprintf("github://%s/%s", owner, repo)
	if ref != "" {
		uri += "?ref=" + ref
	}
	return &GitHubBackend{
		apiURL:      defaultGitHubAPI,
		owner:       owner,
		repo:        repo,
		ref:         ref,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		locationURI: uri,
	}
}

// WithAPIURL points the backend at a GitHub Enterprise or test server.
func (b *GitHubBackend) WithAPIURL(apiURL string) *GitHubBackend {
	b.apiURL = strings.TrimSuffix(apiURL, "/")
	return b
}

func (b *GitHubBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	dir, err := namespace(contentType)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s/%s", b.apiURL, b.owner, b.repo, dir, id)
	if b.ref != "" {
		url += "?ref=" + b.ref
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, interfaces.ErrContentNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("GitHub API error: %s, %s", resp.Status, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxGitHubContent))
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if err := verifyContent(id, data); err != nil {
		b.log.Warn("Content hash mismatch", slog.String("url", url))
		return nil, err
	}

	b.log.Debug("Fetched content from GitHub",
		slog.String("url", url),
		slog.Int("size", len(data)))

	return data, nil
}

// Store always fails; content is published by committing to the repository.
func (b *GitHubBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	return interfaces.ComputeID(data), fmt.Errorf("GitHub backend is read-only")
}

func (b *GitHubBackend) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/%s", b.apiURL, b.owner, b.repo), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("GitHub backend unavailable", "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.log.Debug("GitHub backend unavailable", slog.String("status", resp.Status))
		return false
	}
	return true
}

func (b *GitHubBackend) Name() string {
	return fmt.Sprintf("github-%s-%s", b.owner, b.repo)
}

func (b *GitHubBackend) LocationURI() string {
	return b.locationURI
}
