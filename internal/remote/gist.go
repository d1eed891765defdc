package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultAPIBase = "https://api.github.com"

// GistGateway stores the serialized chain as a single file in a private
// GitHub gist. The gist is discovered by filename on first use and cached;
// pushes replace the file content wholesale.
type GistGateway struct {
	apiBase     string
	filename    string
	description string
	httpClient  *http.Client
	logger      *zap.Logger

	mu     sync.Mutex
	gistID string // cached after discovery or creation
}

// GistOption configures a GistGateway.
type GistOption func(*GistGateway)

// WithAPIBase overrides the GitHub API base URL (tests, GitHub Enterprise).
func WithAPIBase(base string) GistOption {
	return func(g *GistGateway) { g.apiBase = base }
}

// WithHTTPClient overrides the HTTP client, replacing the token transport.
func WithHTTPClient(hc *http.Client) GistOption {
	return func(g *GistGateway) { g.httpClient = hc }
}

// NewGistGateway creates a gateway authenticated with a GitHub personal
// access token (gist scope).
func NewGistGateway(githubToken, filename, description string, logger *zap.Logger, opts ...GistOption) *GistGateway {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: githubToken})
	hc := oauth2.NewClient(context.Background(), src)
	hc.Timeout = 10 * time.Second

	g := &GistGateway{
		apiBase:     defaultAPIBase,
		filename:    filename,
		description: description,
		httpClient:  hc,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// gistFile and gist mirror the subset of the GitHub Gists API v3 schema
// the gateway needs.
type gistFile struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
	RawURL    string `json:"raw_url,omitempty"`
}

type gist struct {
	ID      string              `json:"id"`
	HTMLURL string              `json:"html_url"`
	Files   map[string]gistFile `json:"files"`
}

// Pull implements Gateway. It locates the gist holding the chain file and
// returns the file content.
func (g *GistGateway) Pull(ctx context.Context) ([]byte, error) {
	found, err := g.locate(ctx)
	if err != nil {
		return nil, err
	}

	file := found.Files[g.filename]
	if file.Truncated {
		// Gist API truncates large files inline; fetch the raw content.
		return g.fetchRaw(ctx, file.RawURL)
	}
	return []byte(file.Content), nil
}

// Push implements Gateway. It updates the located gist, or creates a new
// private gist when none exists, and returns the gist's HTML URL.
func (g *GistGateway) Push(ctx context.Context, data []byte) (string, error) {
	body := map[string]any{
		"files": map[string]any{
			g.filename: map[string]string{"content": string(data)},
		},
	}

	found, err := g.locate(ctx)
	if err == nil {
		updated, patchErr := g.doJSON(ctx, http.MethodPatch, "/gists/"+found.ID, body)
		if patchErr != nil {
			return "", patchErr
		}
		g.logger.Debug("chain pushed to gist", zap.String("gist_id", updated.ID))
		return updated.HTMLURL, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	body["description"] = g.description
	body["public"] = false
	created, err := g.doJSON(ctx, http.MethodPost, "/gists", body)
	if err != nil {
		return "", err
	}
	g.setGistID(created.ID)
	g.logger.Info("chain gist created", zap.String("gist_id", created.ID))
	return created.HTMLURL, nil
}

// gistPageSize is the per-page size used when listing gists. GitHub caps
// per_page at 100.
const gistPageSize = 100

// locate returns the gist holding the chain file, caching its ID. When no
// gist is cached it walks the authenticated user's full paginated gist
// listing and picks the first whose files include the configured filename.
func (g *GistGateway) locate(ctx context.Context) (*gist, error) {
	if id := g.cachedGistID(); id != "" {
		return g.doJSON(ctx, http.MethodGet, "/gists/"+id, nil)
	}

	for page := 1; ; page++ {
		gists, err := g.listPage(ctx, page)
		if err != nil {
			return nil, err
		}

		for i := range gists {
			if _, ok := gists[i].Files[g.filename]; ok {
				g.setGistID(gists[i].ID)
				// Re-fetch: list responses omit file content.
				return g.doJSON(ctx, http.MethodGet, "/gists/"+gists[i].ID, nil)
			}
		}

		// A short page is the last page.
		if len(gists) < gistPageSize {
			return nil, ErrNotFound
		}
	}
}

// listPage fetches one page of the authenticated user's gists.
func (g *GistGateway) listPage(ctx context.Context, page int) ([]gist, error) {
	url := fmt.Sprintf("%s/gists?per_page=%d&page=%d", g.apiBase, gistPageSize, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build gist list request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list gists: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list gists returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var gists []gist
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&gists); err != nil {
		return nil, fmt.Errorf("%w: decode gist list: %v", ErrUnavailable, err)
	}
	return gists, nil
}

// doJSON performs one Gist API call and decodes the gist response.
func (g *GistGateway) doJSON(ctx context.Context, method, path string, body any) (*gist, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal gist request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.apiBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build gist request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: gist API returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var out gist
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode gist response: %v", ErrUnavailable, err)
	}
	return &out, nil
}

// fetchRaw downloads truncated file content from its raw URL.
func (g *GistGateway) fetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build raw request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch raw gist content: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: raw fetch returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

func (g *GistGateway) cachedGistID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gistID
}

func (g *GistGateway) setGistID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gistID = id
}
