// Package inference implements the Inference Client (§4.3): the one place
// that knows how to talk to the external inference service over HTTP.
// Grounded on internal/pkg/photostudio/client.go's transport construction
// and error classification.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/mwork/depth-orchestrator/internal/apperr"
	"github.com/mwork/depth-orchestrator/internal/domain/model"
)

// Timeouts holds the per-operation deadlines for the inference calls that
// carry one: 120s for depth, 15 minutes for the (experimental) SBS
// video/splat path. Exceeding the deadline surfaces as apperr.KindTimeout,
// which the Worker treats as retryable. Health, ListModels, CurrentLoaded,
// Download, Load and Unload add no deadline of their own; they are bounded
// only by the caller's context.
type Timeouts struct {
	Depth time.Duration
	Splat time.Duration
}

// DefaultTimeouts returns the spec's default deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{Depth: 120 * time.Second, Splat: 15 * time.Minute}
}

// Client is a typed adapter to the inference service's HTTP API (§6).
type Client struct {
	baseURL  string
	http     *http.Client
	timeouts Timeouts
}

// NewClient builds a Client with the same connection-reuse tuning the
// teacher's photostudio client uses, applying the spec's default per-call
// deadlines. Use NewClientWithTimeouts to override them.
func NewClient(baseURL string) *Client {
	return NewClientWithTimeouts(baseURL, DefaultTimeouts())
}

// NewClientWithTimeouts builds a Client with explicit per-operation
// deadlines, wired from config.Config's INFERENCE_*_TIMEOUT settings.
func NewClientWithTimeouts(baseURL string, timeouts Timeouts) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Transport: transport},
		timeouts: timeouts,
	}
}

// HealthStatus is the response of the health check.
type HealthStatus struct {
	Healthy     bool   `json:"healthy"`
	ModelStatus string `json:"model_status"`
}

// Health reports whether the inference service is reachable and responding.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out struct {
		Status      string `json:"status"`
		ModelStatus string `json:"model_status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &HealthStatus{Healthy: out.Status == "ok" || out.Status == "healthy", ModelStatus: out.ModelStatus}, nil
}

// ModelListEntry is one entry of /api/models.
type ModelListEntry struct {
	Key          string `json:"key"`
	IsDownloaded bool   `json:"is_downloaded"`
	IsLoaded     bool   `json:"is_loaded"`
}

// ListModels reports every model the inference service knows about and its
// download/load state — used by Model Manager's SyncWithService.
func (c *Client) ListModels(ctx context.Context) ([]model.RemoteModelStatus, error) {
	var out struct {
		Models []ModelListEntry `json:"models"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/models", nil, &out); err != nil {
		return nil, err
	}
	statuses := make([]model.RemoteModelStatus, 0, len(out.Models))
	for _, m := range out.Models {
		statuses = append(statuses, model.RemoteModelStatus{
			Key: m.Key, IsDownloaded: m.IsDownloaded, IsLoaded: m.IsLoaded,
		})
	}
	return statuses, nil
}

// CurrentLoaded reports the model_key currently resident on the inference
// side, or "" if none.
func (c *Client) CurrentLoaded(ctx context.Context) (string, error) {
	var out struct {
		CurrentModel string `json:"current_model"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/models/current", nil, &out); err != nil {
		return "", err
	}
	return out.CurrentModel, nil
}

// Download triggers a model download and polls the model list until the
// model reports downloaded. The list carries only a downloaded flag, so
// onProgress receives 0 while the download is pending and 100 once it is
// done; no intermediate percentages are reported. The inference service's
// wire contract for download progress
// is poll-based (§6: "202 + progress via polling or event channel"); this
// client polls since no streaming channel is specified.
func (c *Client) Download(ctx context.Context, modelKey string, onProgress func(progress int)) error {
	path := fmt.Sprintf("/api/models/%s/download", modelKey)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindTimeout, "download poll", ctx.Err())
		case <-ticker.C:
			models, err := c.ListModels(ctx)
			if err != nil {
				return err
			}
			for _, m := range models {
				if m.Key != modelKey {
					continue
				}
				if m.IsDownloaded {
					if onProgress != nil && last != 100 {
						onProgress(100)
					}
					return nil
				}
			}
			if onProgress != nil && last != 0 {
				onProgress(0)
				last = 0
			}
		}
	}
}

// Load loads a model on the inference side, with an implicit download if
// it reports missing (the inference service handles the implicit download;
// this client just forwards the request per §4.4).
func (c *Client) Load(ctx context.Context, modelKey, deviceHint string) error {
	body := map[string]string{}
	if deviceHint != "" {
		body["device"] = deviceHint
	}
	path := fmt.Sprintf("/api/models/%s/load", modelKey)
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// Unload unloads a model on the inference side.
func (c *Client) Unload(ctx context.Context, modelKey string) error {
	path := fmt.Sprintf("/api/models/%s/unload", modelKey)
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// ProcessDepth uploads image bytes and returns the depth PNG, bounded by
// the configured depth deadline (120s default, §5).
func (c *Client) ProcessDepth(ctx context.Context, imageBytes []byte, modelKey string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutOrDefault(c.timeouts.Depth, 120*time.Second))
	defer cancel()
	path := "/api/depth"
	if modelKey != "" {
		path += "?model=" + modelKey
	}
	return c.doMultipart(ctx, path, imageBytes)
}

// ProcessSplat uploads image bytes and returns the PLY splat binary,
// bounded by the configured splat/SBS deadline (15m default, §5).
func (c *Client) ProcessSplat(ctx context.Context, imageBytes []byte, modelKey string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutOrDefault(c.timeouts.Splat, 15*time.Minute))
	defer cancel()
	path := "/api/splat"
	if modelKey != "" {
		path += "?model=" + modelKey
	}
	return c.doMultipart(ctx, path, imageBytes)
}

func (c *Client) timeoutOrDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (c *Client) doMultipart(ctx context.Context, path string, imageBytes []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "image")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build multipart body", err)
	}
	if _, err := part.Write(imageBytes); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "write multipart body", err)
	}
	if err := w.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "close multipart body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.RemoteErrorf(resp.StatusCode, "%s", truncate(string(respBody), 500))
	}
	return respBody, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "marshal request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.RemoteErrorf(resp.StatusCode, "%s", truncate(string(respBody), 500))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return apperr.Wrap(apperr.KindInternal, "decode response body", err)
		}
	}
	return nil
}

// classifyRequestError distinguishes timeout vs. network-unreachable vs.
// generic failures, mirroring internal/pkg/photostudio/client.go's
// classifyRequestError.
func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return apperr.Wrap(apperr.KindTimeout, "request timed out", err)
	}
	if isNetworkError(err) {
		return apperr.Wrap(apperr.KindUnreachable, "inference service unreachable", err)
	}
	return apperr.Wrap(apperr.KindUnreachable, "request failed", err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...<truncated>"
}
