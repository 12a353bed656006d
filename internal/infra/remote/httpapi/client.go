// Package httpapi implements the remote operation contracts over the scan
// backend's JSON HTTP API. Every non-2xx response is returned as a
// *shared.RemoteError so callers can classify it.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/internal/infra/remote/wire"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

var (
	_ scanning.ScanClient    = (*Client)(nil)
	_ findings.ResultsClient = (*Client)(nil)
	_ reports.ReportClient   = (*Client)(nil)
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend's scheme and host, e.g. http://localhost:8080.
	BaseURL string
	// RequestTimeout bounds a single call. Zero means 30 seconds.
	RequestTimeout time.Duration
	// RequestsPerSecond caps the outgoing call rate; zero disables the cap.
	RequestsPerSecond float64
	// Burst is the number of calls allowed at once above the rate.
	Burst int
}

// Client talks to the scan backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *requestLimiter
	timeout time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	if parsed.Scheme == "" || parsed.Host == "" || parsed.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://localhost:8080`")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: parsed,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter: newRequestLimiter(cfg.RequestsPerSecond, cfg.Burst),
		timeout: timeout,
		logger:  logger.With("component", "remote_client", "base_url", parsed.String()),
		tracer:  tracer,
	}, nil
}

// SetRateLimit changes the outgoing call rate at runtime.
func (c *Client) SetRateLimit(rps float64, burst int) { c.limiter.UpdateLimits(rps, burst) }

// TriggerScan implements scanning.ScanClient.
func (c *Client) TriggerScan(
	ctx context.Context,
	nodeIDs []string,
	nodeType scanning.NodeType,
	scanType scanning.ScanType,
) ([]scanning.ScanJob, error) {
	var resp wire.ScanList
	body := wire.TriggerScanRequest{NodeIDs: nodeIDs, NodeType: nodeType.String()}
	path := "/v1/scans/" + url.PathEscape(scanType.String()) + "/start"
	if err := c.do(ctx, "trigger_scan", http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}

	jobs := make([]scanning.ScanJob, 0, len(resp.Scans))
	for _, s := range resp.Scans {
		job, err := s.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("invalid scan in trigger response: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetScanStatus implements scanning.ScanClient.
func (c *Client) GetScanStatus(ctx context.Context, scanID string) (scanning.ScanJob, error) {
	var resp wire.ScanJob
	if err := c.do(ctx, "get_scan_status", http.MethodGet, "/v1/scans/"+url.PathEscape(scanID), nil, nil, &resp); err != nil {
		return scanning.ScanJob{}, err
	}
	job, err := resp.ToDomain()
	if err != nil {
		return scanning.ScanJob{}, fmt.Errorf("invalid scan status response (scan_id: %s): %w", scanID, err)
	}
	return job, nil
}

// ListScanHistory implements scanning.ScanClient.
func (c *Client) ListScanHistory(
	ctx context.Context,
	nodeID string,
	nodeType scanning.NodeType,
	scanType scanning.ScanType,
) ([]scanning.ScanSummary, error) {
	var resp wire.ScanHistory
	path := "/v1/nodes/" + url.PathEscape(nodeType.String()) + "/" + url.PathEscape(nodeID) + "/scans"
	query := url.Values{"scan_type": {scanType.String()}}
	if err := c.do(ctx, "list_scan_history", http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.ToDomain()
}

// StopScans implements scanning.ScanClient.
func (c *Client) StopScans(ctx context.Context, scanIDs []string, scanType scanning.ScanType) error {
	path := "/v1/scans/" + url.PathEscape(scanType.String()) + "/stop"
	return c.do(ctx, "stop_scans", http.MethodPost, path, nil, wire.StopScansRequest{ScanIDs: scanIDs}, nil)
}

// DeleteScan implements scanning.ScanClient.
func (c *Client) DeleteScan(ctx context.Context, scanID string, scanType scanning.ScanType) error {
	path := "/v1/scans/" + url.PathEscape(scanType.String()) + "/" + url.PathEscape(scanID)
	return c.do(ctx, "delete_scan", http.MethodDelete, path, nil, nil, nil)
}

// QueryResults implements findings.ResultsClient.
func (c *Client) QueryResults(ctx context.Context, scanID string, d findings.Descriptor) (findings.Page[findings.Finding], error) {
	var resp wire.ResultPage
	path := "/v1/scans/" + url.PathEscape(scanID) + "/results"
	if err := c.do(ctx, "query_results", http.MethodPost, path, nil, d, &resp); err != nil {
		return findings.Page[findings.Finding]{}, err
	}
	return resp, nil
}

// MaskResults implements findings.ResultsClient.
func (c *Client) MaskResults(ctx context.Context, req findings.MutationRequest) error {
	return c.do(ctx, "mask_results", http.MethodPost, "/v1/results/mask", nil, wire.FromMutation(req), nil)
}

// UnmaskResults implements findings.ResultsClient.
func (c *Client) UnmaskResults(ctx context.Context, req findings.MutationRequest) error {
	return c.do(ctx, "unmask_results", http.MethodPost, "/v1/results/unmask", nil, wire.FromMutation(req), nil)
}

// NotifyResults implements findings.ResultsClient.
func (c *Client) NotifyResults(ctx context.Context, req findings.MutationRequest) error {
	return c.do(ctx, "notify_results", http.MethodPost, "/v1/results/notify", nil, wire.FromMutation(req), nil)
}

// DeleteResults implements findings.ResultsClient.
func (c *Client) DeleteResults(ctx context.Context, req findings.MutationRequest) error {
	return c.do(ctx, "delete_results", http.MethodPost, "/v1/results/delete", nil, wire.FromMutation(req), nil)
}

// RequestReport implements reports.ReportClient.
func (c *Client) RequestReport(ctx context.Context, filters reports.Filters, format reports.Format) (string, error) {
	var resp wire.ReportAccepted
	body := wire.ReportRequest{Filters: filters, Format: string(format)}
	if err := c.do(ctx, "request_report", http.MethodPost, "/v1/reports", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.ReportID, nil
}

// GetReport implements reports.ReportClient.
func (c *Client) GetReport(ctx context.Context, reportID string) (reports.ReportJob, error) {
	var resp wire.Report
	if err := c.do(ctx, "get_report", http.MethodGet, "/v1/reports/"+url.PathEscape(reportID), nil, nil, &resp); err != nil {
		return reports.ReportJob{}, err
	}
	job, err := resp.ToDomain()
	if err != nil {
		return reports.ReportJob{}, fmt.Errorf("invalid report response (report_id: %s): %w", reportID, err)
	}
	return job, nil
}

// do performs one JSON call. out may be nil when the response body is not
// needed.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "remote_client."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait failed")
		return fmt.Errorf("%s: waiting for rate limiter: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return fmt.Errorf("%s: invalid path %q: %w", op, path, err)
	}
	u.Path, u.RawPath = unescaped, path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decoding response failed")
			return fmt.Errorf("%s: decoding json response failed: %w", op, err)
		}
		return nil
	}

	remoteErr := decodeError(resp)
	span.RecordError(remoteErr)
	span.SetStatus(codes.Error, "remote error")
	c.logger.Debug(ctx, "remote call failed", "operation", op, "status", resp.StatusCode, "message", remoteErr.DisplayMessage())
	return fmt.Errorf("%s: %w", op, remoteErr)
}

// decodeError turns a non-2xx response into a RemoteError. A body that is not
// the JSON error shape still yields an error carrying the status.
func decodeError(resp *http.Response) *shared.RemoteError {
	remoteErr := &shared.RemoteError{StatusCode: resp.StatusCode}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType != "application/json" && contentType != "application/problem+json" {
		return remoteErr
	}

	var body wire.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return remoteErr
	}
	remoteErr.Message = body.Message
	remoteErr.FieldErrors = body.ErrorFields
	return remoteErr
}
