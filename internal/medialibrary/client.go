// Package medialibrary implements the Media-Library Adapter (§4.7): a thin
// collaborator that fetches source image bytes and metadata from an
// external photo server over HTTP. Grounded on
// internal/pkg/photostudio/client.go's bearer-auth client shape, and on the
// Design Notes requirement to centralize the adapter's row/columnar
// transpose in one place with a single typed output.
package medialibrary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mwork/depth-orchestrator/internal/apperr"
)

// Client is a typed adapter to the media library's HTTP API (§6).
type Client struct {
	baseURL          string
	apiKey           string
	http             *http.Client
	metadataTimeout  time.Duration
}

// NewClient builds a Client. apiKey is sent as a bearer token on every
// request (single shared secret, per §6). Metadata calls (test, version,
// info, timeline) are bounded by the spec's 30s default deadline (§5);
// use NewClientWithTimeout to override it.
func NewClient(baseURL, apiKey string) *Client {
	return NewClientWithTimeout(baseURL, apiKey, 30*time.Second)
}

// NewClientWithTimeout builds a Client with an explicit metadata-call
// deadline, wired from config.Config's InferenceMetadataTimeout
// (INFERENCE_METADATA_TIMEOUT).
func NewClientWithTimeout(baseURL, apiKey string, metadataTimeout time.Duration) *Client {
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
	if metadataTimeout <= 0 {
		metadataTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:         baseURL,
		apiKey:          apiKey,
		http:            &http.Client{Transport: transport},
		metadataTimeout: metadataTimeout,
	}
}

// Test pings the media library; returns nil if reachable and authenticated.
func (c *Client) Test(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/ping", nil)
}

// Version reports the media library's reported version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/server-info/version", &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// AssetInfo is what info() returns about an external asset.
type AssetInfo struct {
	MimeType   string
	Filename   string
	Width      int
	Height     int
	CapturedAt *time.Time
	Size       int64
}

// Info fetches metadata for an external asset id.
func (c *Client) Info(ctx context.Context, externalID string) (*AssetInfo, error) {
	var out struct {
		OriginalMimeType string  `json:"originalMimeType"`
		OriginalFileName string  `json:"originalFileName"`
		ExifInfo         exifRaw `json:"exifInfo"`
	}
	path := fmt.Sprintf("/api/assets/%s", externalID)
	if err := c.doJSON(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	info := &AssetInfo{
		MimeType: out.OriginalMimeType,
		Filename: out.OriginalFileName,
		Width:    out.ExifInfo.ExifImageWidth,
		Height:   out.ExifInfo.ExifImageHeight,
		Size:     out.ExifInfo.FileSizeInByte,
	}
	if out.ExifInfo.DateTimeOriginal != "" {
		if t, err := time.Parse(time.RFC3339, out.ExifInfo.DateTimeOriginal); err == nil {
			info.CapturedAt = &t
		}
	}
	return info, nil
}

type exifRaw struct {
	ExifImageWidth   int    `json:"exifImageWidth"`
	ExifImageHeight  int    `json:"exifImageHeight"`
	DateTimeOriginal string `json:"dateTimeOriginal"`
	FileSizeInByte   int64  `json:"fileSizeInByte"`
}

// ThumbnailOptions selects the thumbnail's encoding and size.
type ThumbnailOptions struct {
	Format string // "JPEG" or "WEBP"
	Size   string // "thumbnail" or "preview"
}

// Thumbnail fetches a resized rendition of an external asset.
func (c *Client) Thumbnail(ctx context.Context, externalID string, opts ThumbnailOptions) ([]byte, error) {
	path := fmt.Sprintf("/api/assets/%s/thumbnail?format=%s&size=%s", externalID, opts.Format, opts.Size)
	return c.getBytes(ctx, path)
}

// Original fetches the full-resolution bytes of an external asset.
func (c *Client) Original(ctx context.Context, externalID string) ([]byte, error) {
	path := fmt.Sprintf("/api/assets/%s/original", externalID)
	return c.getBytes(ctx, path)
}

// TimelineBucket summarizes one bucket (typically a month) in the timeline.
type TimelineBucket struct {
	Bucket string `json:"timeBucket"`
	Count  int    `json:"count"`
}

// ListTimeline lists the available timeline buckets.
func (c *Client) ListTimeline(ctx context.Context) ([]TimelineBucket, error) {
	var out []TimelineBucket
	if err := c.doJSON(ctx, http.MethodGet, "/api/timeline/buckets", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BucketAsset is one transposed row from list_bucket.
type BucketAsset struct {
	ID               string
	Type             string
	OriginalFileName string
	CapturedAt       *time.Time
	Width            int
	Height           int
}

// columnarBucket is the wire shape the media library actually returns:
// parallel arrays, one element per asset, indexed by position. Re-learned
// from the Design Notes requirement that the adapter used to switch
// between row and columnar shapes at runtime; here the transpose always
// happens, in this one function, so every caller sees row records.
type columnarBucket struct {
	ID               []string `json:"id"`
	IsImage          []bool   `json:"isImage"`
	OriginalFileName []string `json:"originalFileName"`
	LocalDateTime    []string `json:"localDateTime"`
	ExifImageWidth   []int    `json:"exifImageWidth"`
	ExifImageHeight  []int    `json:"exifImageHeight"`
}

// ListBucket fetches one timeline bucket's assets and transposes the
// media library's columnar wire shape into row records.
func (c *Client) ListBucket(ctx context.Context, bucket string) ([]BucketAsset, error) {
	var raw columnarBucket
	path := fmt.Sprintf("/api/timeline/bucket?timeBucket=%s", bucket)
	if err := c.doJSON(ctx, http.MethodGet, path, &raw); err != nil {
		return nil, err
	}
	return transpose(raw), nil
}

// transpose is the single place the columnar-to-row conversion happens.
func transpose(raw columnarBucket) []BucketAsset {
	assets := make([]BucketAsset, 0, len(raw.ID))
	for i := range raw.ID {
		a := BucketAsset{ID: raw.ID[i]}
		if i < len(raw.OriginalFileName) {
			a.OriginalFileName = raw.OriginalFileName[i]
		}
		if i < len(raw.IsImage) {
			a.Type = "photo"
			if !raw.IsImage[i] {
				a.Type = "video"
			}
		}
		if i < len(raw.ExifImageWidth) {
			a.Width = raw.ExifImageWidth[i]
		}
		if i < len(raw.ExifImageHeight) {
			a.Height = raw.ExifImageHeight[i]
		}
		if i < len(raw.LocalDateTime) {
			if t, err := time.Parse(time.RFC3339, raw.LocalDateTime[i]); err == nil {
				a.CapturedAt = &t
			}
		}
		assets = append(assets, a)
	}
	return assets
}

func (c *Client) getBytes(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build request", err)
	}
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "read response body", err)
	}
	if err := c.statusError(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.metadataTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build request", err)
	}
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "read response body", err)
	}
	if err := c.statusError(resp.StatusCode, body); err != nil {
		return err
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return apperr.Wrap(apperr.KindInternal, "decode response body", err)
		}
	}
	return nil
}

func (c *Client) authenticate(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

// statusError classifies non-2xx responses per §4.7: 401 bad credentials,
// 404 unknown id, otherwise a generic RemoteError.
func (c *Client) statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return apperr.RemoteErrorf(status, "media library rejected credentials")
	case status == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, "asset not found in media library")
	default:
		return apperr.RemoteErrorf(status, "%s", truncate(string(body), 500))
	}
}

func classifyRequestError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.KindTimeout, "request timed out", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperr.Wrap(apperr.KindUnreachable, "media library unreachable", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return apperr.Wrap(apperr.KindUnreachable, "media library unreachable", err)
	}
	return apperr.Wrap(apperr.KindUnreachable, "request failed", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...<truncated>"
}
