package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
)

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	baseDelay  time.Duration
}

// StatusError carries the HTTP status of a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d", e.StatusCode)
}

// StatusCode returns the provider HTTP status wrapped in err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  "payyield/1.0",
		baseDelay:  120 * time.Millisecond,
	}
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var header http.Header
	err := retry.Do(
		func() error {
			h, err := c.doOnce(ctx, req, out)
			header = h
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.retries)+1),
		retry.Delay(c.baseDelay),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(75*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			if _, ok := clierr.As(err); !ok {
				return header, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			}
		}
		return header, err
	}
	return header, nil
}

func (c *Client) doOnce(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	cloneReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, retry.Unrecoverable(clierr.Wrap(clierr.CodeInternal, "clone request body", err))
		}
		cloneReq.Body = body
	}

	resp, err := c.httpClient.Do(cloneReq)
	if err != nil {
		return nil, mapNetError(err)
	}

	buf, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read provider response", readErr)
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: buf}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.Header, clierr.Wrap(clierr.CodeRateLimited, "provider rate limited request", statusErr)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.Header, clierr.Wrap(clierr.CodeAuth, "provider authentication failed", statusErr)
	case resp.StatusCode >= http.StatusInternalServerError:
		return resp.Header, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("provider unavailable (status %d)", resp.StatusCode), statusErr)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resp.Header, clierr.Wrap(clierr.CodeUnsupported, fmt.Sprintf("provider returned unexpected status %d", resp.StatusCode), statusErr)
	}

	if out == nil {
		return resp.Header, nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return resp.Header, clierr.New(clierr.CodeUnavailable, "provider returned empty response")
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "decode provider JSON", err)
	}
	return resp.Header, nil
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

// Only transport failures, rate limits and 5xx responses are retried.
func isRetryable(err error) bool {
	status := StatusCode(err)
	if status == 0 {
		var netErr net.Error
		return errors.As(err, &netErr)
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}
