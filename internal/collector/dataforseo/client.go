// Package dataforseo implements the rank and backlink collaborators against
// the DataForSEO v3 REST API.
package dataforseo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawl-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/seo-crawl-scheduler/internal/scheduler"
)

const (
	statusOK          = 20000
	statusNoResults   = 40102
	statusRateLimited = 40202
	statusTooMany     = 40209
	statusServerError = 50000

	source = "dataforseo"
)

// Config holds API credentials and limits.
type Config struct {
	BaseURL       string        `mapstructure:"base_url"`
	Login         string        `mapstructure:"login"`
	Password      string        `mapstructure:"password"`
	RPS           float64       `mapstructure:"rps"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TrackedDomain string        `mapstructure:"tracked_domain"`
}

// Client talks to DataForSEO. It implements scheduler.RankFetcher and scheduler.BacklinkAPI.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

var (
	_ scheduler.RankFetcher = (*Client)(nil)
	_ scheduler.BacklinkAPI = (*Client)(nil)
)

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.dataforseo.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Login == "" || cfg.Password == "" {
		return nil, fmt.Errorf("dataforseo login and password are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RPS, DefaultBurst: 1}),
		logger:  logger.Named("dataforseo"),
	}, nil
}

type envelope[T any] struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Tasks         []struct {
		StatusCode    int    `json:"status_code"`
		StatusMessage string `json:"status_message"`
		Result        []T    `json:"result"`
	} `json:"tasks"`
}

// post sends one task and returns the first result of the first task.
func post[T any](ctx context.Context, c *Client, path string, task any) (T, error) {
	var zero T
	endpoint := c.cfg.BaseURL + path
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		return zero, err
	}

	body, err := json.Marshal([]any{task})
	if err != nil {
		return zero, fmt.Errorf("marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return zero, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Login, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", source, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("dataforseo response", zap.String("path", path), zap.Int("status", resp.StatusCode))

	if err := httpStatusError(resp, path); err != nil {
		return zero, err
	}

	var env envelope[T]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&env); err != nil {
		return zero, fmt.Errorf("decode %s response: %w", path, err)
	}
	if err := apiStatusError(env.StatusCode, env.StatusMessage); err != nil {
		return zero, err
	}
	if len(env.Tasks) == 0 {
		return zero, fmt.Errorf("%s %s: response carried no tasks", source, path)
	}
	task0 := env.Tasks[0]
	if err := apiStatusError(task0.StatusCode, task0.StatusMessage); err != nil {
		return zero, err
	}
	if len(task0.Result) == 0 {
		return zero, fmt.Errorf("%s %s: %w", source, path, scheduler.ErrNoData)
	}
	return task0.Result[0], nil
}

func httpStatusError(resp *http.Response, path string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &scheduler.RateLimitError{Source: source, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= http.StatusInternalServerError:
		return scheduler.MarkTransient(fmt.Errorf("%s %s: http %d", source, path, resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%s %s: http %d", source, path, resp.StatusCode)
	}
	return nil
}

func apiStatusError(code int, message string) error {
	switch {
	case code == statusOK || code == 0:
		return nil
	case code == statusNoResults:
		return fmt.Errorf("%s: %s: %w", source, message, scheduler.ErrNoData)
	case code == statusRateLimited || code == statusTooMany:
		return &scheduler.RateLimitError{Source: source}
	case code >= statusServerError:
		return scheduler.MarkTransient(fmt.Errorf("%s status %d: %s", source, code, message))
	default:
		return fmt.Errorf("%s status %d: %s", source, code, message)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
