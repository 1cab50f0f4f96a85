// Package alert implements the out-of-scope "alert dispatcher" collaborator
// as a concrete webhook-backed implementation of the types.Alerter
// capability interface.
//
// Built on the same resty retry shape used elsewhere in this repo (retry
// on 5xx/network errors, give up on 4xx), generalized into this documented
// policy: a remote 4xx disables the alerter for the process lifetime to
// avoid log spam; transient 5xx/network errors are retried by the HTTP
// client, then logged, and the alert is dropped — posting carries on with
// the next Fire call, since alerts are fire-and-forget by design.
//
// Webhook I/O runs on a single background dispatcher goroutine fed by a
// bounded queue, so a slow or hung webhook endpoint never stalls a maker
// tick or hedger wakeup; when the queue is full the alert is logged
// locally and dropped.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const queueDepth = 64

// WebhookAlerter posts severity-tagged alerts to a configured webhook URL.
type WebhookAlerter struct {
	http  *resty.Client
	url   string
	queue chan payload

	mu       sync.Mutex
	disabled bool

	logger *slog.Logger
}

// New builds a WebhookAlerter and starts its dispatcher goroutine, which
// runs for the process lifetime. An empty url disables posting entirely
// (Fire becomes a local-log-only no-op), which is the expected
// configuration for local/dry-run deployments.
func New(url string, logger *slog.Logger) *WebhookAlerter {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	a := &WebhookAlerter{
		http:   httpClient,
		url:    url,
		queue:  make(chan payload, queueDepth),
		logger: logger.With("component", "alert"),
	}
	if url != "" {
		go a.dispatch()
	}
	return a
}

type payload struct {
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

// Fire implements types.Alerter. It is fire-and-forget: the alert is
// logged locally and enqueued for the background dispatcher; it never
// blocks the caller on webhook I/O. Failures are logged, never returned,
// never retried beyond the HTTP client's own retry policy, and a 4xx
// permanently disables further posting for the process lifetime.
func (a *WebhookAlerter) Fire(severity string, msg string, fields map[string]any) {
	a.logger.Log(context.Background(), severityLevel(severity), "alert", "severity", severity, "message", msg)

	if a.url == "" {
		return
	}

	a.mu.Lock()
	disabled := a.disabled
	a.mu.Unlock()
	if disabled {
		return
	}

	select {
	case a.queue <- payload{Severity: severity, Message: msg, Fields: fields, SentAt: time.Now()}:
	default:
		a.logger.Warn("alert queue full, dropping webhook post", "severity", severity)
	}
}

// dispatch drains the queue, posting one alert at a time.
func (a *WebhookAlerter) dispatch() {
	for body := range a.queue {
		a.mu.Lock()
		disabled := a.disabled
		a.mu.Unlock()
		if disabled {
			continue
		}

		resp, err := a.http.R().SetBody(body).Post(a.url)
		if err != nil {
			a.logger.Warn("alert webhook post failed, will retry on next alert", "error", err)
			continue
		}
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			a.mu.Lock()
			a.disabled = true
			a.mu.Unlock()
			a.logger.Warn("alert webhook returned 4xx, disabling alerter for process lifetime",
				"status", resp.StatusCode())
		}
		if resp.StatusCode() >= 500 {
			a.logger.Warn("alert webhook returned 5xx, will retry on next alert",
				"status", resp.StatusCode())
		}
	}
}

func severityLevel(severity string) slog.Level {
	switch severity {
	case "warning":
		return slog.LevelWarn
	case "error", "kill_switch":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
