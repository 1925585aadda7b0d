package lims

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/seqpipe-io/seqpipe/internal/config"
)

const (
	pullPath = "/openapi/v1/sequence/reports"
	pushPath = "/openapi/v1/sequence/results"

	// timeLayout is the wire format for pull window boundaries.
	timeLayout = "2006-01-02 15:04:05"

	defaultRequestTimeout    = 30 * time.Second
	defaultMaxAttempts       = 5
	defaultInitialBackoff    = 500 * time.Millisecond
	defaultBackoffMultiplier = 2.0
	defaultMaxBackoff        = 30 * time.Second
	defaultPushChunkSize     = 50
	defaultRequestsPerSec    = 5.0
	defaultBurst             = 10
)

type (
	// ClientConfig holds per-lab credentials plus client tuning.
	ClientConfig struct {
		Lab       string
		BaseURL   string
		AppID     string
		AppSecret string

		RequestTimeout    time.Duration
		MaxAttempts       int
		InitialBackoff    time.Duration
		BackoffMultiplier float64
		MaxBackoff        time.Duration
		PushChunkSize     int
		RequestsPerSec    float64
		Burst             int
	}

	// Client is a signed LIMS sync client with bounded, jittered retries
	// and client-side request pacing. The remote enforces 429 on bursts;
	// the limiter keeps us under that ceiling instead of burning retry
	// budget on it.
	Client struct {
		cfg        ClientConfig
		httpClient *http.Client
		limiter    *rate.Limiter
		logger     *slog.Logger

		// Injection points for tests.
		sleep  func(ctx context.Context, d time.Duration) error
		jitter func(max time.Duration) time.Duration
	}

	// ClientOption configures optional Client behavior.
	ClientOption func(*Client)

	// UploadError is the terminal push failure: the retry budget is spent
	// and Outstanding lists the detect numbers the remote never accepted.
	UploadError struct {
		Outstanding []string
		Message     string
	}

	pullRequest struct {
		AppID     string `json:"appid"`
		Sign      string `json:"sign"`
		BeginTime string `json:"beginTime"`
		EndTime   string `json:"endTime"`
	}

	pushRequest struct {
		AppID string         `json:"appid"`
		Sign  string         `json:"sign"`
		Data  []ResultRecord `json:"data"`
	}
)

// Error implements the error interface.
func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed for %d records (%s): %s",
		len(e.Outstanding), strings.Join(e.Outstanding, ","), e.Message)
}

// Unwrap makes errors.Is(err, ErrRetriesExhausted) work on upload failures.
func (e *UploadError) Unwrap() error {
	return ErrRetriesExhausted
}

// LoadClientConfig builds client tuning from environment variables, with
// credentials and endpoint taken from the lab entry in seqpipe.yaml.
func LoadClientConfig(lab config.Lab) ClientConfig {
	return ClientConfig{
		Lab:               lab.Name,
		BaseURL:           strings.TrimRight(lab.BaseURL, "/"),
		AppID:             lab.AppID,
		AppSecret:         lab.AppSecret,
		RequestTimeout:    config.GetEnvDuration("LIMS_REQUEST_TIMEOUT", defaultRequestTimeout),
		MaxAttempts:       config.GetEnvInt("LIMS_MAX_ATTEMPTS", defaultMaxAttempts),
		InitialBackoff:    config.GetEnvDuration("LIMS_INITIAL_BACKOFF", defaultInitialBackoff),
		BackoffMultiplier: defaultBackoffMultiplier,
		MaxBackoff:        config.GetEnvDuration("LIMS_MAX_BACKOFF", defaultMaxBackoff),
		PushChunkSize:     config.GetEnvInt("LIMS_PUSH_CHUNK_SIZE", defaultPushChunkSize),
		RequestsPerSec:    float64(config.GetEnvInt("LIMS_REQUESTS_PER_SEC", int(defaultRequestsPerSec))),
		Burst:             config.GetEnvInt("LIMS_BURST", defaultBurst),
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a LIMS sync client for one laboratory.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}

	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = defaultBackoffMultiplier
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	if cfg.PushChunkSize <= 0 {
		cfg.PushChunkSize = defaultPushChunkSize
	}

	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = defaultRequestsPerSec
	}

	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		sleep: sleepContext,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}

			return time.Duration(rand.Int63n(int64(max))) //nolint:gosec // jitter, not cryptography
		},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Lab returns the laboratory name this client is bound to.
func (c *Client) Lab() string {
	return c.cfg.Lab
}

// FetchRuns pulls sequencing-run reports for the window [begin, end).
//
// Remote code taxonomy:
//   - 200: success, Data holds the records
//   - 202: no data in window; returns an empty slice and no error
//   - 201: credentials rejected; fails immediately (ErrAuthInvalid)
//   - 203/429/5xx: retried with jittered exponential backoff
func (c *Client) FetchRuns(ctx context.Context, begin, end time.Time) ([]RunRecord, error) {
	payload := pullRequest{
		AppID:     c.cfg.AppID,
		Sign:      Sign(c.cfg.AppID, c.cfg.AppSecret),
		BeginTime: begin.Format(timeLayout),
		EndTime:   end.Format(timeLayout),
	}

	var lastMessage string

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, fmt.Errorf("fetch aborted while backing off: %w", err)
			}
		}

		env, err := c.post(ctx, pullPath, payload)
		if err != nil {
			lastMessage = err.Error()

			c.logger.Warn("LIMS pull request failed",
				slog.String("lab", c.cfg.Lab),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch {
		case env.Code == CodeSuccess:
			var records []RunRecord
			if len(env.Data) > 0 {
				if err := json.Unmarshal(env.Data, &records); err != nil {
					return nil, fmt.Errorf("failed to decode pull response: %w", err)
				}
			}

			return records, nil
		case env.Code == CodeNoData:
			return nil, nil
		case env.Code == CodeAuthInvalid:
			return nil, fmt.Errorf("%w: %s", ErrAuthInvalid, env.Message)
		case retryableCode(env.Code):
			lastMessage = fmt.Sprintf("code %d: %s", env.Code, env.Message)

			c.logger.Warn("LIMS pull returned retryable code",
				slog.String("lab", c.cfg.Lab),
				slog.Int("code", env.Code),
				slog.Int("attempt", attempt+1),
			)
		default:
			return nil, fmt.Errorf("%w: %d (%s)", ErrUnexpectedCode, env.Code, env.Message)
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, c.cfg.MaxAttempts, lastMessage)
}

// PushResults uploads analysis outcomes in fixed-size chunks.
//
// On remote code 203 the response data lists the detect numbers that were
// not accepted; only those are retried. Returns the accepted detect
// numbers along with the error, so the caller can mark partial deliveries.
func (c *Client) PushResults(ctx context.Context, records []ResultRecord) (accepted []string, err error) {
	for start := 0; start < len(records); start += c.cfg.PushChunkSize {
		stop := start + c.cfg.PushChunkSize
		if stop > len(records) {
			stop = len(records)
		}

		chunkAccepted, err := c.pushChunk(ctx, records[start:stop])
		accepted = append(accepted, chunkAccepted...)

		if err != nil {
			return accepted, err
		}
	}

	return accepted, nil
}

// pushChunk uploads one chunk, retrying only the records the remote
// reported as failed.
func (c *Client) pushChunk(ctx context.Context, chunk []ResultRecord) ([]string, error) {
	outstanding := sanitizeRecords(chunk, c.logger)

	var (
		accepted    []string
		lastMessage string
	)

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return accepted, fmt.Errorf("push aborted while backing off: %w", err)
			}
		}

		payload := pushRequest{
			AppID: c.cfg.AppID,
			Sign:  Sign(c.cfg.AppID, c.cfg.AppSecret),
			Data:  outstanding,
		}

		env, err := c.post(ctx, pushPath, payload)
		if err != nil {
			lastMessage = err.Error()

			c.logger.Warn("LIMS push request failed",
				slog.String("lab", c.cfg.Lab),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch {
		case env.Code == CodeSuccess:
			for _, r := range outstanding {
				accepted = append(accepted, r.DetectNo)
			}

			return accepted, nil
		case env.Code == CodeAuthInvalid:
			return accepted, fmt.Errorf("%w: %s", ErrAuthInvalid, env.Message)
		case env.Code == CodeUploadFailed:
			failed, err := decodeFailedDetectNos(env.Data)
			if err != nil {
				return accepted, err
			}

			accepted = append(accepted, detectNosExcept(outstanding, failed)...)
			outstanding = recordsNamed(outstanding, failed)
			lastMessage = env.Message

			c.logger.Warn("LIMS push partially failed",
				slog.String("lab", c.cfg.Lab),
				slog.Int("failed", len(outstanding)),
				slog.Int("attempt", attempt+1),
			)
		case retryableCode(env.Code):
			lastMessage = fmt.Sprintf("code %d: %s", env.Code, env.Message)
		default:
			return accepted, fmt.Errorf("%w: %d (%s)", ErrUnexpectedCode, env.Code, env.Message)
		}
	}

	return accepted, &UploadError{
		Outstanding: detectNos(outstanding),
		Message:     lastMessage,
	}
}

// post performs one signed request with a bounded timeout and request ID.
func (c *Client) post(ctx context.Context, path string, payload any) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	// Gateways in front of the LIMS answer 429/5xx without the envelope;
	// fold the HTTP status into the same code taxonomy.
	if resp.StatusCode != http.StatusOK {
		return &envelope{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}, nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}

	return &env, nil
}

// backoff computes the delay before retry number attempt+1:
// min(initial*multiplier^attempt + jitter(0, base/2), max).
func (c *Client) backoff(attempt int) time.Duration {
	base := float64(c.cfg.InitialBackoff)
	for i := 0; i < attempt; i++ {
		base *= c.cfg.BackoffMultiplier
	}

	delay := time.Duration(base)
	if delay > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}

	delay += c.jitter(delay / 2)
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}

	return delay
}

// sanitizeRecords drops ext keys outside the remote allow-list.
func sanitizeRecords(records []ResultRecord, logger *slog.Logger) []ResultRecord {
	out := make([]ResultRecord, len(records))

	for i, r := range records {
		filtered, dropped := allowedExt(r.Ext)
		if len(dropped) > 0 {
			logger.Warn("Dropping unsupported ext keys from push record",
				slog.String("detect_no", r.DetectNo),
				slog.Any("keys", dropped),
			)
		}

		r.Ext = filtered
		out[i] = r
	}

	return out
}

func decodeFailedDetectNos(data json.RawMessage) ([]string, error) {
	var failed []string

	if len(data) > 0 {
		if err := json.Unmarshal(data, &failed); err != nil {
			return nil, fmt.Errorf("failed to decode failed detect numbers: %w", err)
		}
	}

	return failed, nil
}

func detectNos(records []ResultRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.DetectNo
	}

	return out
}

// detectNosExcept returns detect numbers of records not named in failed.
func detectNosExcept(records []ResultRecord, failed []string) []string {
	failedSet := make(map[string]bool, len(failed))
	for _, f := range failed {
		failedSet[f] = true
	}

	var out []string

	for _, r := range records {
		if !failedSet[r.DetectNo] {
			out = append(out, r.DetectNo)
		}
	}

	return out
}

// recordsNamed returns the subset of records whose detect number is in names.
func recordsNamed(records []ResultRecord, names []string) []ResultRecord {
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	var out []ResultRecord

	for _, r := range records {
		if nameSet[r.DetectNo] {
			out = append(out, r)
		}
	}

	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
