// Package nodeagent is the HMAC-authenticated HTTP client to the node-agent
// daemon running on every provisioned VM (C4 in the design). One Client is
// addressed at a single (host, port) pair; callers build one for the node
// they are about to call and Close it when that call or step is done.
package nodeagent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shiplane/controlplane/internal/errs"
)

// apiKeyMessage is the fixed message HMAC-signed with the DO token to
// produce the node-agent's X-API-Key header.
const apiKeyMessage = "node-agent:"

// apiKey derives the X-API-Key value for a given provider token.
func apiKey(doToken string) string {
	mac := hmac.New(sha256.New, []byte(doToken))
	mac.Write([]byte(apiKeyMessage))
	return hex.EncodeToString(mac.Sum(nil))
}

// Client talks to one node's agent daemon.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the node agent at host:port, authenticated with
// the HMAC derivation of doToken.
func New(host string, port int, doToken string) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		apiKey:  apiKey(doToken),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Close releases the underlying idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// transientError wraps a response/transport failure retriable by backoff:
// connect errors, 5xx, 408, and 429.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isRetriableStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// do issues an HTTP request with bounded exponential-backoff retry on
// transient failures, decoding a JSON response body into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("buffering request body: %w", err)
		}
	}

	operation := func() (*http.Response, error) {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("X-API-Key", c.apiKey)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &transientError{err: fmt.Errorf("calling node agent: %w", err)}
		}

		if isRetriableStatus(resp.StatusCode) {
			resp.Body.Close()
			return nil, &transientError{err: fmt.Errorf("node agent returned status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			msg, _ := io.ReadAll(resp.Body)
			return nil, backoff.Permanent(fmt.Errorf("node agent returned status %d: %s", resp.StatusCode, msg))
		}

		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(time.Minute),
	)
	if err != nil {
		var te *transientError
		if errors.As(err, &te) {
			return fmt.Errorf("%w: %s", errs.ErrNodeUnreachable, te.Error())
		}
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ping checks the agent is alive.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return c.do(ctx, http.MethodGet, "/ping", nil, nil, &out)
}

// UploadImage streams an opaque image blob to the node under the given
// name. Images arrive pre-built; the node agent treats the bytes as opaque.
func (c *Client) UploadImage(ctx context.Context, imageName string, blob []byte) error {
	q := url.Values{"name": {imageName}}
	return c.do(ctx, http.MethodPost, "/images/upload", q, bytes.NewReader(blob), nil)
}

// StartContainerRequest is the payload for StartContainer.
type StartContainerRequest struct {
	ContainerName string   `json:"container_name"`
	ImageName     string   `json:"image_name"`
	EnvVariables  []string `json:"env_variables"`
	ContainerPort int      `json:"container_port"`
	HostPort      int      `json:"host_port"`
	Volumes       []string `json:"volumes"`
}

// StartContainer creates and starts a container, returning the node
// agent's assigned container id.
func (c *Client) StartContainer(ctx context.Context, req StartContainerRequest) (string, error) {
	if len(req.Volumes) == 0 {
		req.Volumes = []string{"/data:/app/data"}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding start_container payload: %w", err)
	}

	var out struct {
		ContainerID string `json:"container_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/containers/start", nil, bytes.NewReader(payload), &out); err != nil {
		return "", err
	}
	return out.ContainerID, nil
}

// RemoveContainer gracefully drains (if drain is true) then stops and
// removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerName string, drain bool, drainTimeout time.Duration) error {
	q := url.Values{
		"drain":         {strconv.FormatBool(drain)},
		"drain_timeout": {strconv.Itoa(int(drainTimeout.Seconds()))},
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/remove", containerName), q, nil, nil)
}

// RestartContainer restarts a container with its existing configuration.
func (c *Client) RestartContainer(ctx context.Context, containerName string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/restart", containerName), nil, nil, nil)
}

// HealthResult is the outcome of a container health probe.
type HealthResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Healthy reports whether the probe result indicates a healthy container.
func (h HealthResult) Healthy() bool { return h.Status == "healthy" }

// Health probes a container: TCP on containerPort, then HTTP 2xx on
// httpPath if non-empty (webservices only).
func (c *Client) Health(ctx context.Context, containerName string, containerPort int, httpPath string, timeout time.Duration) (HealthResult, error) {
	q := url.Values{
		"container_port": {strconv.Itoa(containerPort)},
		"timeout":        {strconv.Itoa(int(timeout.Seconds()))},
	}
	if httpPath != "" {
		q.Set("http_path", httpPath)
	}

	var out HealthResult
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/containers/%s/health", containerName), q, nil, &out); err != nil {
		return HealthResult{}, err
	}
	return out, nil
}

// ConfigureNginx rewrites and reloads the node's nginx upstream config for
// one webservice domain.
func (c *Client) ConfigureNginx(ctx context.Context, privateIPs []string, hostPort int, domain string) error {
	payload, err := json.Marshal(map[string]any{
		"private_ips": privateIPs,
		"host_port":   hostPort,
		"domain":      domain,
	})
	if err != nil {
		return fmt.Errorf("encoding configure_nginx payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/nginx/configure", nil, bytes.NewReader(payload), nil)
}

// CleanupImages prunes old image versions under prefix, keeping the
// keepLatest newest. Returns the number of images removed.
func (c *Client) CleanupImages(ctx context.Context, imagePrefix string, keepLatest int) (int, error) {
	payload, err := json.Marshal(map[string]any{
		"image_prefix": imagePrefix,
		"keep_latest":  keepLatest,
	})
	if err != nil {
		return 0, fmt.Errorf("encoding cleanup_images payload: %w", err)
	}

	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/images/cleanup", nil, bytes.NewReader(payload), &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}
