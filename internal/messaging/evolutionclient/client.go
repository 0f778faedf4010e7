package evolutionclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

const defaultUserAgent = "confirma-messaging/0.1"

// Config controls how the Evolution API client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

// Client wraps the Evolution API endpoints used by the confirmation engine.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("evolutionclient: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("evolutionclient: base URL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// SendText sends a plain text message through the given instance.
func (c *Client) SendText(ctx context.Context, instance string, req SendTextRequest) (*MessageResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(instance) == "" {
		return nil, errors.New("evolutionclient: instance name required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("evolutionclient: marshal send text body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/message/sendText/"+instance, body)
	if err != nil {
		return nil, err
	}
	return decodeMessageResponse(data)
}

// SendMedia sends a media payload (base64-encoded) through the given instance.
func (c *Client) SendMedia(ctx context.Context, instance string, req SendMediaRequest) (*MessageResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(instance) == "" {
		return nil, errors.New("evolutionclient: instance name required")
	}
	payload := struct {
		Number    string `json:"number"`
		MediaType string `json:"mediatype"`
		FileName  string `json:"fileName"`
		Media     string `json:"media"`
		Caption   string `json:"caption,omitempty"`
	}{
		Number:    req.Number,
		MediaType: req.MediaType,
		FileName:  req.FileName,
		Media:     base64.StdEncoding.EncodeToString(req.Data),
		Caption:   req.Caption,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("evolutionclient: marshal send media body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/message/sendMedia/"+instance, body)
	if err != nil {
		return nil, err
	}
	return decodeMessageResponse(data)
}

// ConnectionState fetches the current connection state of an instance.
func (c *Client) ConnectionState(ctx context.Context, instance string) (*ConnectionStateResponse, error) {
	if strings.TrimSpace(instance) == "" {
		return nil, errors.New("evolutionclient: instance name required")
	}
	data, err := c.invoke(ctx, http.MethodGet, "/instance/connectionState/"+instance, nil)
	if err != nil {
		return nil, err
	}
	var resp ConnectionStateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("evolutionclient: decode connection state: %w", err)
	}
	return &resp, nil
}

func decodeMessageResponse(data []byte) (*MessageResponse, error) {
	var resp MessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("evolutionclient: decode message response: %w", err)
	}
	return &resp, nil
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("evolutionclient: build request: %w", err)
		}
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("evolutionclient: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("evolutionclient: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr == nil {
		lastErr = errors.New("evolutionclient: request failed")
	}
	return nil, lastErr
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt, status int, err error) {
	c.logger.Warn("evolution request retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		return errors.Is(err, io.ErrUnexpectedEOF)
	}
	return status == http.StatusTooManyRequests || status >= 500
}
