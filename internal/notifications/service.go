package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"feedloom/internal/config"
)

const userAgent = "feedloom/0.1"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyDownloadCompleted(ctx context.Context, name string, files int) error
	NotifyDownloadFailed(ctx context.Context, name, reason string) error
	NotifyFetchFailed(ctx context.Context, sourceURL string, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		completed:   cfg.Notifications.Completed,
		failed:      cfg.Notifications.Failed,
		fetchErrors: cfg.Notifications.FetchErrors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	completed   bool
	failed      bool
	fetchErrors bool
}

func (n *ntfyService) NotifyDownloadCompleted(ctx context.Context, name string, files int) error {
	if !n.completed {
		return nil
	}
	name = strings.TrimSpace(name)
	message := fmt.Sprintf("✅ Downloaded: %s", name)
	if files > 1 {
		message = fmt.Sprintf("%s (%d files)", message, files)
	}
	return n.send(ctx, payload{
		title:   "feedloom - Download Complete",
		message: message,
		tags:    []string{"feedloom", "download", "completed"},
	})
}

func (n *ntfyService) NotifyDownloadFailed(ctx context.Context, name, reason string) error {
	if !n.failed {
		return nil
	}
	name = strings.TrimSpace(name)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	return n.send(ctx, payload{
		title:    "feedloom - Download Failed",
		message:  fmt.Sprintf("❌ Download failed: %s\nReason: %s", name, reason),
		tags:     []string{"feedloom", "download", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyFetchFailed(ctx context.Context, sourceURL string, err error) error {
	if !n.fetchErrors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("⚠️ Feed fetch failed")
	if sourceURL = strings.TrimSpace(sourceURL); sourceURL != "" {
		builder.WriteString(" for ")
		builder.WriteString(sourceURL)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}
	return n.send(ctx, payload{
		title:   "feedloom - Fetch Error",
		message: builder.String(),
		tags:    []string{"feedloom", "fetch", "error"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "feedloom - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"feedloom", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyDownloadCompleted(context.Context, string, int) error { return nil }
func (noopService) NotifyDownloadFailed(context.Context, string, string) error { return nil }
func (noopService) NotifyFetchFailed(context.Context, string, error) error     { return nil }
func (noopService) TestNotification(context.Context) error                     { return nil }
