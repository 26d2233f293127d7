package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"myschedule/internal/task/engine"
	"myschedule/internal/task/scheduler"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTP sends one request per fire. 4xx responses are final, 5xx and
// transport errors are retried per the job's MaxRetries. A Retry-After
// header on 429/503 is honored as the retry delay.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns the http job type. A nil client uses http.DefaultClient.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

func (h *HTTP) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	url := strings.TrimSpace(jc.Job.Data["url"])
	if url == "" {
		return engine.NoRetry(fmt.Errorf("http: url is required"))
	}
	method := strings.ToUpper(strings.TrimSpace(jc.Job.Data["method"]))
	if method == "" {
		method = http.MethodGet
	}
	timeout, err := dataDuration(jc, "timeout", defaultHTTPTimeout)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if b := jc.Job.Data["body"]; b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("http: build request: %w", err))
	}
	req.Header.Set("User-Agent", "myschedule")
	req.Header.Set("X-Fire-Id", jc.FireID)
	if ct := jc.Job.Data["content_type"]; ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	jc.SetResult(resp.Status)
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		err := fmt.Errorf("http %s %s: %s", method, url, resp.Status)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return engine.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode < 500:
		return engine.NoRetry(fmt.Errorf("http %s %s: %s", method, url, resp.Status))
	default:
		return fmt.Errorf("http %s %s: %s", method, url, resp.Status)
	}
}
