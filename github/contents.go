// Package github stores versioned files in a GitHub repository through the
// REST contents API. The blob sha of a file is its version token: GitHub
// rejects an update whose sha is stale, which gives the watchlist file the
// same optimistic concurrency as the other stores.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"rns-notifier/storage"
)

const (
	defaultBaseURL   = "https://api.github.com"
	githubAPIVersion = "2022-11-28"
	maxResponseBytes = 8 << 20
)

// Config holds configuration for a contents store.
type Config struct {
	// BaseURL defaults to https://api.github.com and must use HTTPS.
	BaseURL string

	// Repo is "owner/name".
	Repo string

	// Branch is optional; the repository default branch is used when empty.
	Branch string

	// Token is a personal access token with contents write permission.
	Token string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

func isStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// isStaleSHA reports a write rejected because the file changed: 409 when the
// sha does not match, 422 naming the sha when it is missing for an existing
// file. Other 422s are validation errors.
func isStaleSHA(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusConflict:
		return true
	case http.StatusUnprocessableEntity:
		return strings.Contains(strings.ToLower(apiErr.Message), "sha")
	default:
		return false
	}
}

// Contents implements storage.Store on top of a GitHub repository.
type Contents struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	repo    string
	branch  string
	token   string
}

// New validates cfg and creates a contents store.
func New(cfg Config) (*Contents, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}
	if strings.Count(cfg.Repo, "/") != 1 {
		return nil, fmt.Errorf("github: repo must be owner/name (got %q)", cfg.Repo)
	}
	if cfg.Token == "" {
		return nil, errors.New("github: token required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Contents{
		client:  client,
		logger:  logger,
		baseURL: baseURL,
		repo:    cfg.Repo,
		branch:  cfg.Branch,
		token:   cfg.Token,
	}, nil
}

type fileResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type putResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

func (c *Contents) contentsPath(name string) string {
	return fmt.Sprintf("/repos/%s/contents/%s", c.repo, strings.TrimLeft(name, "/"))
}

// Read fetches a file and its blob sha.
func (c *Contents) Read(ctx context.Context, name string) ([]byte, string, error) {
	path := c.contentsPath(name)
	if c.branch != "" {
		path += "?ref=" + url.QueryEscape(c.branch)
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if isStatus(err, http.StatusNotFound) {
		return nil, "", storage.ErrNotExist
	}
	if err != nil {
		return nil, "", err
	}

	var file fileResponse
	if err := json.Unmarshal(body, &file); err != nil {
		return nil, "", fmt.Errorf("github: decode contents: %w", err)
	}
	if file.Encoding != "" && file.Encoding != "base64" {
		return nil, "", fmt.Errorf("github: unsupported content encoding %q", file.Encoding)
	}
	// GitHub wraps base64 content at 60 columns.
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("github: decode base64 content: %w", err)
	}

	return data, file.SHA, nil
}

// Write commits data if the file's blob sha still equals version.
func (c *Contents) Write(ctx context.Context, name string, data []byte, version string) (string, error) {
	req := putRequest{
		Message: "Update " + name,
		Content: base64.StdEncoding.EncodeToString(data),
		SHA:     version,
		Branch:  c.branch,
	}

	body, err := c.do(ctx, http.MethodPut, c.contentsPath(name), req)
	if isStaleSHA(err) {
		c.logger.Info("GitHub write rejected, stale sha", "name", name, "sha", version, "error", err)
		return "", storage.ErrConflict
	}
	if err != nil {
		return "", err
	}

	var resp putResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("github: decode update response: %w", err)
	}
	c.logger.Info("File committed to GitHub", "repo", c.repo, "name", name, "sha", resp.Content.SHA)
	return resp.Content.SHA, nil
}

// do executes an authenticated request, retrying network errors and 5xx
// responses. Other non-2xx responses are returned as *APIError at once.
func (c *Contents) do(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var encoded []byte
	if requestBody != nil {
		var err error
		encoded, err = json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
	}

	var body []byte
	var apiErr *APIError

	err := retry.Do(
		func() error {
			apiErr = nil
			var reader io.Reader
			if encoded != nil {
				reader = bytes.NewReader(encoded)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("github: creating request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("Accept", "application/vnd.github+json")
			req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
			if encoded != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			startTime := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				return fmt.Errorf("github: %s %s: %w", method, path, err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return fmt.Errorf("github: reading response body: %w", err)
			}

			c.logger.Debug("GitHub API request completed",
				"method", method,
				"path", path,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(startTime).Milliseconds())

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}

			apiErr = parseAPIError(resp.StatusCode, body)
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return retry.Unrecoverable(apiErr)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying GitHub request after error", "attempt", n, "path", path, "error", err)
		}),
	)
	if err != nil {
		if apiErr != nil {
			return nil, apiErr
		}
		return nil, fmt.Errorf("github: after retries: %w", err)
	}
	return body, nil
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = http.StatusText(statusCode)
	}
	return apiErr
}
