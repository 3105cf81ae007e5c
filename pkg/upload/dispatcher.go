// Package upload sends multipart form submissions to the course API. A
// submission is a single unary call: its response carries only the final
// resource descriptor, progress arrives separately on the hub channel.
package upload

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/coursehub/coursehub/pkg/attachments"
	"github.com/coursehub/coursehub/pkg/config"
	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/logger"
	"github.com/coursehub/coursehub/pkg/metrics"
)

const (
	component = "upload"

	HeaderConnectionID = "Connection-Id"
	HeaderRequestID    = "X-Request-Id"
)

// Field is a scalar form value. Order is preserved on the wire.
type Field struct {
	Name  string
	Value string
}

// Request is one multipart submission. It is not modified by Submit.
type Request struct {
	Endpoint    string
	Fields      []Field
	Attachments []attachments.Attachment
	// MultiFields names the attachment fields that may repeat.
	MultiFields []string

	ConnectionID correlation.ConnectionID
	Correlated   bool
}

// Result describes a completed submission.
type Result struct {
	Status       int
	RequestID    string
	ConnectionID correlation.ConnectionID
	Duration     time.Duration
	Body         []byte
}

type Dispatcher struct {
	client *resty.Client
	tokens oauth2.TokenSource
}

type Option func(*Dispatcher)

// WithTokenSource supplies the bearer credential for every submission.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(d *Dispatcher) { d.tokens = ts }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dispatcher) {
		base := d.client.BaseURL
		d.client = resty.NewWithClient(hc).SetBaseURL(base).SetRetryCount(0)
	}
}

func NewDispatcher(cfg config.APIConfig, opts ...Option) *Dispatcher {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetRetryCount(0)
	if cfg.Timeout() > 0 {
		client.SetTimeout(cfg.Timeout())
	}
	if cfg.InsecureSkipVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	d := &Dispatcher{client: client}
	if cfg.AccessToken != "" {
		d.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Client exposes the underlying resty client for plain JSON calls that share
// the base URL and credentials.
func (d *Dispatcher) Client() *resty.Client { return d.client }

// Authorize sets the Authorization header on r from the token source.
func (d *Dispatcher) Authorize(r *resty.Request) error {
	if d.tokens == nil {
		return nil
	}
	tok, err := d.tokens.Token()
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	r.SetHeader("Authorization", tok.Type()+" "+tok.AccessToken)
	return nil
}

// Submit validates req, sends it as one multipart POST and decodes the JSON
// response into out when out is non-nil. Nothing is sent if validation fails.
func (d *Dispatcher) Submit(ctx context.Context, req Request, out any) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	r := d.client.R().
		SetContext(ctx).
		SetHeader(HeaderRequestID, requestID).
		SetHeader("Accept", "application/json")
	if err := d.Authorize(r); err != nil {
		return nil, &UploadError{Endpoint: req.Endpoint, Cause: err}
	}
	if req.Correlated {
		r.SetHeader(HeaderConnectionID, req.ConnectionID.String())
	}

	for _, f := range req.Fields {
		r.SetMultipartField(f.Name, "", "", strings.NewReader(f.Value))
	}
	readers := make([]io.Closer, 0, len(req.Attachments))
	defer func() {
		for _, rc := range readers {
			_ = rc.Close()
		}
	}()
	for _, a := range req.Attachments {
		rc, err := a.Open()
		if err != nil {
			return nil, &UploadError{Endpoint: req.Endpoint, Cause: err}
		}
		readers = append(readers, rc)
		r.SetMultipartField(a.Field, a.FileName, a.MediaType, rc)
	}

	logger.InfoCF(component, "Submitting upload", map[string]interface{}{
		"endpoint":      req.Endpoint,
		"request_id":    requestID,
		"connection_id": req.ConnectionID.String(),
		"attachments":   len(req.Attachments),
	})

	start := time.Now()
	resp, err := r.Post(req.Endpoint)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveUpload(req.Endpoint, "error", elapsed.Seconds())
		logger.ErrorCF(component, "Upload failed", map[string]interface{}{
			"endpoint":   req.Endpoint,
			"request_id": requestID,
			"error":      err.Error(),
		})
		return nil, &UploadError{Endpoint: req.Endpoint, Cause: err}
	}
	if !resp.IsSuccess() {
		metrics.ObserveUpload(req.Endpoint, "rejected", elapsed.Seconds())
		logger.WarnCF(component, "Upload rejected", map[string]interface{}{
			"endpoint":   req.Endpoint,
			"request_id": requestID,
			"status":     resp.StatusCode(),
		})
		return nil, &UploadError{
			Endpoint: req.Endpoint,
			Status:   resp.StatusCode(),
			Body:     truncate(strings.TrimSpace(resp.String()), 512),
			Cause:    fmt.Errorf("unexpected status %s", resp.Status()),

			RetryAfter: parseRetryAfter(time.Now(), resp.Header().Get("Retry-After")),
		}
	}

	metrics.ObserveUpload(req.Endpoint, "ok", elapsed.Seconds())
	for _, a := range req.Attachments {
		metrics.UploadBytes.WithLabelValues(string(a.Kind)).Add(float64(a.Size))
	}

	result := &Result{
		Status:       resp.StatusCode(),
		RequestID:    requestID,
		ConnectionID: req.ConnectionID,
		Duration:     elapsed,
		Body:         resp.Body(),
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return result, fmt.Errorf("decode %s response: %w", req.Endpoint, err)
		}
	}
	logger.InfoCF(component, "Upload accepted", map[string]interface{}{
		"endpoint":    req.Endpoint,
		"request_id":  requestID,
		"status":      resp.StatusCode(),
		"duration_ms": elapsed.Milliseconds(),
	})
	return result, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Endpoint) == "" {
		return errors.New("upload endpoint is required")
	}
	if req.Correlated && req.ConnectionID == "" {
		return ErrMissingConnectionID
	}

	multi := make(map[string]bool, len(req.MultiFields))
	for _, f := range req.MultiFields {
		multi[f] = true
	}
	seen := make(map[string]int, len(req.Attachments))
	for _, a := range req.Attachments {
		seen[a.Field]++
		if seen[a.Field] > 1 && !multi[a.Field] {
			return fmt.Errorf("%w: %s", ErrSlotOccupied, a.Field)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
