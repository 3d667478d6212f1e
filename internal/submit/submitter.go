// Package submit ships aggregated metric batches to the remote collector
// over HTTP with gzip compression and jittered-backoff retry.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/miru-obs/miru/internal/metrics"
)

// SchemaVersion is the wire schema of the metrics payload.
const SchemaVersion = 1

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 5
	metricsPath        = "/api/metrics"
)

// Config holds the settings needed to construct a Submitter.
type Config struct {
	// Endpoint is the collector base URL (e.g. "https://collector.example.com").
	Endpoint string

	// APIKey is sent as a bearer token.
	APIKey string

	// AgentVersion is reported in the User-Agent and client metadata headers.
	AgentVersion string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to each individual attempt. Defaults to 30 seconds.
	Timeout time.Duration

	// MaxAttempts bounds the retry sequence for retriable failures.
	// Defaults to 5.
	MaxAttempts int

	// Backoff configures the retry interval generator.
	Backoff BackoffConfig

	Logger *slog.Logger
}

// Submitter serializes, compresses, authenticates, and posts metric
// batches. Safe for use by one flush worker at a time; the retry state is
// per-submission.
type Submitter struct {
	url          string
	apiKey       string
	agentVersion string
	client       *http.Client
	maxAttempts  int
	backoffCfg   BackoffConfig
	logger       *slog.Logger
	hostname     string

	// sleep is swapped by tests so retry sequences run instantly.
	sleep func(time.Duration)
}

// New creates a Submitter from the given configuration.
func New(cfg Config) (*Submitter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("submit: Endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("submit: APIKey is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hostname, _ := os.Hostname()

	return &Submitter{
		url:          strings.TrimRight(cfg.Endpoint, "/") + metricsPath,
		apiKey:       cfg.APIKey,
		agentVersion: cfg.AgentVersion,
		client:       client,
		maxAttempts:  maxAttempts,
		backoffCfg:   cfg.Backoff,
		logger:       logger,
		hostname:     hostname,
		sleep:        time.Sleep,
	}, nil
}

type payloadMetric struct {
	Bucket     string `json:"bucket"` // RFC3339 UTC
	Namespace  string `json:"namespace"`
	Service    string `json:"service"`
	Target     string `json:"target"` // empty string when absent
	Operation  string `json:"operation"`
	Count      int64  `json:"count"`
	SumMS      int64  `json:"sum_ms"`
	ErrorCount int64  `json:"error_count"`
}

type payload struct {
	RequestID     string          `json:"request_id"`
	SchemaVersion int             `json:"schema_version"`
	Metrics       []payloadMetric `json:"metrics"`
}

// Submit posts a batch to the collector. On success it returns the batch
// size. Retriable failures (429, 5xx, network errors) are retried up to
// MaxAttempts with backoff; exhaustion and terminal 4xx rejections
// return (0, err) — never panic, never retry a terminal rejection.
//
// An empty batch returns (0, nil) with no network I/O.
//
// Once a submission starts it runs to success or attempt exhaustion; the
// caller's ctx is detached so cancelling future scheduling cannot abort
// an in-flight sequence. Each attempt is still bounded by the client
// timeout.
func (s *Submitter) Submit(ctx context.Context, batch []metrics.Entry) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	body, err := s.encode(batch)
	if err != nil {
		return 0, err
	}

	ctx = context.WithoutCancel(ctx)
	backoff := NewBackoffPolicy(s.backoffCfg)
	backoff.Reset()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.post(ctx, body)
		if err == nil {
			return len(batch), nil
		}
		lastErr = err

		if IsTerminal(err) {
			// A rejected payload will not become acceptable by retrying.
			// Surfaced as an error so a revoked key is visible. See DESIGN.md.
			s.logger.Warn("submit: terminal rejection", "error", err)
			return 0, err
		}

		if attempt < s.maxAttempts {
			wait := backoff.NextInterval()
			s.logger.Debug("submit: retriable failure",
				"attempt", attempt, "retry_in", wait, "error", err)
			s.sleep(wait)
		}
	}

	return 0, fmt.Errorf("submit: %d attempts exhausted: %w", s.maxAttempts, lastErr)
}

// encode builds the gzip-compressed JSON body. Built once per
// submission; the same body is reused across attempts.
func (s *Submitter) encode(batch []metrics.Entry) ([]byte, error) {
	p := payload{
		RequestID:     uuid.NewString(),
		SchemaVersion: SchemaVersion,
		Metrics:       make([]payloadMetric, len(batch)),
	}
	for i, e := range batch {
		p.Metrics[i] = payloadMetric{
			Bucket:     e.Key.Bucket.UTC().Format(time.RFC3339),
			Namespace:  e.Key.Namespace,
			Service:    e.Key.Service,
			Target:     e.Key.Target,
			Operation:  e.Key.Operation,
			Count:      e.Count,
			SumMS:      e.SumMS,
			ErrorCount: e.ErrorCount,
		}
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(p); err != nil {
		return nil, fmt.Errorf("submit: encode payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("submit: compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

// post performs one attempt. Response bodies are drained and closed so
// the transport can reuse connections.
func (s *Submitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &Error{Message: fmt.Sprintf("build request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("User-Agent", "miru-agent/"+s.agentVersion)
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("X-Schema-Version", strconv.Itoa(SchemaVersion))
	req.Header.Set("X-Agent-Language", "go")
	req.Header.Set("X-Agent-Version", s.agentVersion)
	req.Header.Set("X-Agent-Platform", runtime.GOOS+"/"+runtime.GOARCH)
	req.Header.Set("X-Agent-Pid", strconv.Itoa(os.Getpid()))
	req.Header.Set("X-Agent-Hostname", s.hostname)

	resp, err := s.client.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &Error{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
	}
}
