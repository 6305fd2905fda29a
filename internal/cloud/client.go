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
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/settings"
)

// ErrQuotaExceeded is returned when the API key has no quota left.
var ErrQuotaExceeded = errors.New("remote optimization quota exceeded")

// ErrNoAPIKey is returned by New when no key is configured.
var ErrNoAPIKey = errors.New("no API key configured")

// maxResponseBytes caps a decoded response body.
const maxResponseBytes = 256 << 20

// Status is how a submission ended.
type Status string

const (
	StatusOK            Status = "ok"
	StatusExceededQuota Status = "exceeded_quota"
	StatusError         Status = "error"
)

// Options are sent with each submission.
type Options struct {
	// Level is the configured compression level for the file's kind.
	Level int
	// Lossy allows lossy compression.
	Lossy bool
	// WebP asks for a WebP derivative in the same response.
	WebP bool
	// KeepMetadata keeps EXIF and comments.
	KeepMetadata bool
	// Backup asks the API to retain the original.
	Backup bool
}

// Result is the outcome of a submission.
type Result struct {
	Status  Status
	Data    []byte
	WebP    []byte
	Message string
	// BackupID identifies the retained original, when Backup was requested.
	BackupID string
}

// Quota is the account state reported by CheckQuota.
type Quota struct {
	Remaining int64 `json:"remaining"`
	Exceeded  bool  `json:"exceeded"`
}

type response struct {
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Data     []byte `json:"data"`
	WebP     []byte `json:"webp"`
	BackupID string `json:"backup_id"`
}

// Client talks to the remote API.
type Client struct {
	apiKey       string
	endpoint     *url.URL
	httpFallback bool
	backup       bool
	httpClient   *http.Client

	// newBackOff is replaceable in tests
	newBackOff func() backoff.BackOff
}

// New creates a Client from the cloud configuration.
func New(cfg settings.Cloud) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid cloud endpoint %q", cfg.Endpoint)
	}
	if !strings.HasSuffix(endpoint.Path, "/") {
		endpoint.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = settings.Default().Cloud.Timeout
	}

	return &Client{
		apiKey:       cfg.APIKey,
		endpoint:     endpoint,
		httpFallback: cfg.HTTPFallback,
		backup:       cfg.Backup,
		httpClient:   &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}, nil
}

// schemes returns the endpoint URLs to try, in order.
func (c *Client) schemes() []*url.URL {
	primary := *c.endpoint
	out := []*url.URL{&primary}
	if c.httpFallback && primary.Scheme == "https" {
		fallback := primary
		fallback.Scheme = "http"
		out = append(out, &fallback)
	}
	return out
}

// Submit sends data for optimization. Transport failures never escape as
// errors; they come back as StatusError with a message.
func (c *Client) Submit(ctx context.Context, data []byte, mimeType string, opts Options) Result {
	fields := map[string]string{
		"level":    strconv.Itoa(opts.Level),
		"lossy":    boolField(opts.Lossy),
		"webp":     boolField(opts.WebP),
		"metadata": boolField(opts.KeepMetadata),
		"backup":   boolField(opts.Backup || c.backup),
	}

	var resp response
	err := c.do(ctx, "optimize", func(base *url.URL) (*http.Request, error) {
		body, contentType, err := multipartBody(data, mimeType, fields)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("optimize").String(), body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, &resp)

	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return Result{Status: StatusExceededQuota, Message: err.Error()}
	case err != nil:
		return Result{Status: StatusError, Message: err.Error()}
	}

	switch resp.Status {
	case StatusExceededQuota:
		return Result{Status: StatusExceededQuota, Message: resp.Message}
	case StatusOK:
		if len(resp.Data) == 0 {
			return Result{Status: StatusError, Message: "empty response"}
		}
		return Result{Status: StatusOK, Data: resp.Data, WebP: resp.WebP, Message: resp.Message, BackupID: resp.BackupID}
	default:
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %q", resp.Status)
		}
		return Result{Status: StatusError, Message: msg}
	}
}

// CheckQuota asks the API for the key's quota. It returns ErrQuotaExceeded
// alongside the quota when none is left.
func (c *Client) CheckQuota(ctx context.Context) (Quota, error) {
	var q Quota
	err := c.do(ctx, "quota", func(base *url.URL) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("quota").String(), nil)
	}, &q)
	if err != nil {
		return Quota{}, err
	}
	if q.Exceeded {
		return q, ErrQuotaExceeded
	}
	return q, nil
}

// do runs one API call against each scheme in turn, retrying transport and
// server errors with backoff, and decodes the JSON body into out.
func (c *Client) do(ctx context.Context, op string, build func(*url.URL) (*http.Request, error), out any) error {
	var lastErr error
	for _, base := range c.schemes() {
		scheme := base.Scheme
		final := false
		permanent := func(err error) error {
			final = true
			return backoff.Permanent(err)
		}
		operation := func() error {
			req, err := build(base)
			if err != nil {
				return permanent(err)
			}
			req.Header.Set("X-API-Key", c.apiKey)
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				metrics.CloudRequestsTotal.WithLabelValues(scheme, string(StatusError)).Inc()
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			switch {
			case resp.StatusCode == http.StatusPaymentRequired:
				metrics.CloudRequestsTotal.WithLabelValues(scheme, string(StatusExceededQuota)).Inc()
				return permanent(ErrQuotaExceeded)
			case resp.StatusCode >= 500:
				metrics.CloudRequestsTotal.WithLabelValues(scheme, string(StatusError)).Inc()
				return fmt.Errorf("%s: server returned %s", op, resp.Status)
			case resp.StatusCode != http.StatusOK:
				metrics.CloudRequestsTotal.WithLabelValues(scheme, string(StatusError)).Inc()
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return permanent(fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(msg))))
			}

			if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
				metrics.CloudRequestsTotal.WithLabelValues(scheme, string(StatusError)).Inc()
				return permanent(fmt.Errorf("%s: decode response: %w", op, err))
			}
			metrics.CloudRequestsTotal.WithLabelValues(scheme, string(StatusOK)).Inc()
			return nil
		}

		err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if final {
			return err
		}
		lastErr = err
		logging.Warn("Remote %s over %s failed: %v", op, scheme, err)
	}
	return lastErr
}

func multipartBody(data []byte, mimeType string, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.WriteField("mime_type", mimeType); err != nil {
		return nil, "", err
	}

	part, err := w.CreateFormFile("file", "upload")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
