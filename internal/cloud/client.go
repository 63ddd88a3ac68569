// Package cloud provides typed access to the managed backend: token
// issuance, package ingestion, deployment status, and build log
// streaming. Methods are single-shot; callers apply the shared retry
// policy around them.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orbit88/cube.js/internal/pack"
)

const maxErrorBodySize = 4096

// ErrUnauthorized indicates the backend rejected the credentials or
// token. Never retried.
var ErrUnauthorized = errors.New("authentication rejected")

// ErrUploadRejected indicates the backend permanently refused the
// package (quota exceeded, validation failure). Never retried.
var ErrUploadRejected = errors.New("upload rejected")

// APIError represents an error response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Transient reports whether err is worth retrying: network-level
// failures and 5xx responses are, definitive rejections are not.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUploadRejected) {
		return false
	}
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

// Client talks to the backend deploy API.
type Client struct {
	baseURL    string
	authPath   string
	deployPath string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithPaths overrides the auth and deployment endpoint paths.
func WithPaths(auth, deploy string) Option {
	return func(c *Client) {
		if strings.TrimSpace(auth) != "" {
			c.authPath = auth
		}
		if strings.TrimSpace(deploy) != "" {
			c.deployPath = deploy
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, errors.New("api base url required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		authPath:   "/v1/auth/token",
		deployPath: "/v1/deployments",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// Status is the remote deployment state.
type Status string

// Deployment states reported by the backend. Succeeded and failed are
// terminal; the backend never transitions a job out of them.
const (
	StatusQueued    Status = "queued"
	StatusBuilding  Status = "building"
	StatusDeploying Status = "deploying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is the backend's record of one deployment.
type Job struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// AuthResponse carries a signed token and its expiry.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticate exchanges the API key and machine fingerprint for a
// signed token. Rejected credentials surface as ErrUnauthorized.
func (c *Client) Authenticate(ctx context.Context, apiKey, fingerprint string) (AuthResponse, error) {
	body := map[string]string{
		"api_key":     apiKey,
		"fingerprint": fingerprint,
	}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, c.authPath, body, "", &resp); err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return AuthResponse{}, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
		return AuthResponse{}, err
	}
	if strings.TrimSpace(resp.Token) == "" {
		return AuthResponse{}, errors.New("auth response missing token")
	}
	return resp, nil
}

// CreateDeployment uploads the archive plus its manifest and returns the
// job the backend recorded for it. The manifest digest travels both in
// the manifest part and as a header so the backend can dedup before
// reading the body.
func (c *Client) CreateDeployment(ctx context.Context, token string, manifest *pack.Manifest, archive []byte) (Job, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	manifestPart, err := mw.CreateFormField("manifest")
	if err != nil {
		return Job{}, fmt.Errorf("create manifest part: %w", err)
	}
	if err := json.NewEncoder(manifestPart).Encode(manifest); err != nil {
		return Job{}, fmt.Errorf("encode manifest: %w", err)
	}
	archivePart, err := mw.CreateFormFile("package", manifest.Digest+".tar.zst")
	if err != nil {
		return Job{}, fmt.Errorf("create package part: %w", err)
	}
	if _, err := archivePart.Write(archive); err != nil {
		return Job{}, fmt.Errorf("write package part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Job{}, fmt.Errorf("finalize upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.deployPath, &body)
	if err != nil {
		return Job{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	req.Header.Set("X-Package-Digest", manifest.Digest)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Job{}, fmt.Errorf("perform upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return Job{}, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		case resp.StatusCode < http.StatusInternalServerError:
			return Job{}, fmt.Errorf("%w: %s", ErrUploadRejected, apiErr.Message)
		default:
			return Job{}, apiErr
		}
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return Job{}, fmt.Errorf("decode upload response: %w", err)
	}
	if strings.TrimSpace(job.ID) == "" {
		return Job{}, errors.New("upload response missing deployment id")
	}
	return job, nil
}

// GetDeployment fetches the current state of a deployment.
func (c *Client) GetDeployment(ctx context.Context, token, id string) (Job, error) {
	path := fmt.Sprintf("%s/%s", c.deployPath, url.PathEscape(id))
	var job Job
	if err := c.do(ctx, http.MethodGet, path, nil, token, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return errors.New("client is nil")
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}
