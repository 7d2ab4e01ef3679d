package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"framebufd/internal/config"
	"framebufd/internal/logger"
	"framebufd/internal/models"

	"golang.org/x/time/rate"
)

// SourcePlaceholder is replaced by the source ID in a source URL template.
const SourcePlaceholder = "$Source$"

// ErrUpstreamRejected is returned for 4xx responses, which are not retried.
var ErrUpstreamRejected = errors.New("upstream rejected frame request")

// Client fetches individual frames from the upstream origin with retry logic.
type Client struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string
	limiter    *rate.Limiter

	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// NewClient creates a new frame client. rateLimit is in requests per second; 0 disables throttling.
func NewClient(log logger.Logger, userAgent string, requestTimeout time.Duration, rateLimit float64) *Client {
	limit := rate.Inf
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
	}
	burst := int(rateLimit)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: requestTimeout,
			},
		},
		logger:         log,
		userAgent:      userAgent,
		limiter:        rate.NewLimiter(limit, burst),
		RequestTimeout: requestTimeout,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
	}
}

// FrameURL expands the source URL template for one frame.
func FrameURL(src config.Source, frame int) string {
	u := strings.Replace(src.URL, config.FramePlaceholder, strconv.Itoa(frame), 1)
	return strings.Replace(u, SourcePlaceholder, src.ID, 1)
}

// FetchFrame downloads a single frame, retrying transient failures.
func (c *Client) FetchFrame(ctx context.Context, src config.Source, frame int) (models.Frame, error) {
	frameURL := FrameURL(src, frame)
	var lastErr error

	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return models.Frame{}, fmt.Errorf("waiting for upstream rate limiter: %w", err)
		}

		c.logger.Debugf("Downloading frame %d of %s (Attempt %d/%d)", frame, src.ID, attempt, c.MaxRetries)
		f, retry, err := c.fetchOnce(ctx, src.ID, frame, frameURL)
		if err == nil {
			return f, nil
		}
		lastErr = fmt.Errorf("download attempt %d failed for frame %d of %s: %w", attempt, frame, src.ID, err)
		if !retry {
			return models.Frame{}, lastErr
		}
		c.logger.Warnf("%v", lastErr)

		select {
		case <-ctx.Done():
			return models.Frame{}, fmt.Errorf("frame %d of %s abandoned: %w", frame, src.ID, ctx.Err())
		case <-time.After(c.RetryDelay):
		}
	}

	return models.Frame{}, fmt.Errorf("failed to download frame %d of %s after %d attempts: %w", frame, src.ID, c.MaxRetries, lastErr)
}

// fetchOnce performs one request. The bool result reports whether a failure is worth retrying.
func (c *Client) fetchOnce(ctx context.Context, source string, frame int, frameURL string) (models.Frame, bool, error) {
	if c.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, frameURL, nil)
	if err != nil {
		return models.Frame{}, false, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Frame{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return models.Frame{}, false, fmt.Errorf("%w: status %d", ErrUpstreamRejected, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return models.Frame{}, true, fmt.Errorf("received non-200 status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Frame{}, true, fmt.Errorf("failed while reading body: %w", err)
	}

	return models.Frame{
		Source:      source,
		Index:       frame,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, false, nil
}
