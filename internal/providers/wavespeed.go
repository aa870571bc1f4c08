package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fluxreve-server/internal/domain"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("wavespeed: api key is required")

const defaultBaseURL = "https://api.wavespeed.ai/api/v3"

// Options configures the Wavespeed client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
	// Retries is the number of additional attempts after a retryable
	// failure (network error or 5xx).
	Retries int
	// Backoff is the base delay between attempts, doubled each retry.
	Backoff time.Duration
}

// Client submits generation jobs and moderation checks to the Wavespeed API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	retries    int
	backoff    time.Duration
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type submissionData struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		retries:    retries,
		backoff:    backoff,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit dispatches a job to the given endpoint with an async webhook
// callback. It returns the provider-side job id.
func (c *Client) Submit(ctx context.Context, endpoint string, payload map[string]any, webhookURL string) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	target := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if webhookURL != "" {
		target += "?webhook=" + url.QueryEscape(webhookURL)
	}
	raw, err := c.post(ctx, target, payload)
	if err != nil {
		return "", err
	}
	var data submissionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("wavespeed: decode submission: %w", err)
	}
	if data.ID == "" {
		return "", fmt.Errorf("%w: wavespeed returned no job id", domain.ErrProviderFailure)
	}
	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("job_id", data.ID).
		Msg("wavespeed: job submitted")
	return data.ID, nil
}

// moderationData mirrors the content-moderator response. Outputs carries one
// category-flag object per checked image.
type moderationData struct {
	ID      string            `json:"id"`
	Status  string            `json:"status"`
	Outputs []json.RawMessage `json:"outputs"`
	Error   string            `json:"error"`
}

type moderationFlags struct {
	Hate         bool `json:"hate"`
	Sexual       bool `json:"sexual"`
	Violence     bool `json:"violence"`
	Harassment   bool `json:"harassment"`
	SexualMinors bool `json:"sexual/minors"`
}

// CheckImage runs the synchronous content moderator against an image URL.
// When the moderator reports no usable output, the image counts as safe.
func (c *Client) CheckImage(ctx context.Context, imageURL string) (*NSFWResult, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	raw, err := c.post(ctx, c.baseURL+"/wavespeed-ai/content-moderator/image", map[string]any{
		"image":            imageURL,
		"enable_sync_mode": true,
	})
	if err != nil {
		return nil, err
	}
	var data moderationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("wavespeed: decode moderation: %w", err)
	}
	if data.Status != "completed" || len(data.Outputs) == 0 {
		return &NSFWResult{IsNSFW: false}, nil
	}
	var flags moderationFlags
	if err := json.Unmarshal(data.Outputs[0], &flags); err != nil {
		return nil, fmt.Errorf("wavespeed: decode moderation flags: %w", err)
	}
	return &NSFWResult{
		IsNSFW:  flags.Hate || flags.Sexual || flags.Violence || flags.Harassment || flags.SexualMinors,
		Details: data.Outputs[0],
	}, nil
}

// post sends one JSON request with bounded retries on network errors and
// 5xx responses, and returns the envelope's data payload.
func (c *Client) post(ctx context.Context, target string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wavespeed: encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			c.logger.Warn().
				Int("attempt", attempt).
				Str("url", target).
				Err(lastErr).
				Msg("wavespeed: retrying request")
		}

		raw, retryable, err := c.doOnce(ctx, target, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, target string, body []byte) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("wavespeed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: wavespeed: http request: %v", domain.ErrProviderFailure, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: wavespeed: read response: %v", domain.ErrProviderFailure, err)
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("%w: wavespeed: status %d: %s", domain.ErrProviderFailure, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("%w: wavespeed: status %d: %s", domain.ErrProviderFailure, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, false, fmt.Errorf("wavespeed: decode envelope: %w", err)
	}
	if envelope.Code != 0 && envelope.Code != http.StatusOK {
		return nil, false, fmt.Errorf("%w: wavespeed: %s (code %d)", domain.ErrProviderFailure, envelope.Message, envelope.Code)
	}
	return envelope.Data, false, nil
}
