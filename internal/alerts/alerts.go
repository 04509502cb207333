package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/observ"
)

// Notifier posts operator-facing events to a Slack/Discord-compatible
// webhook. Fire-and-forget: a dead webhook is logged, never fatal, and
// never blocks a cycle.
type Notifier struct {
	webhookURL string
	http       *http.Client
	log        zerolog.Logger
}

func NewNotifier(webhookURL string, timeout time.Duration) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: timeout},
		log:        observ.Component("alerts"),
	}
}

// Notify sends one message. A notifier with no webhook configured is a
// no-op, so callers never need to guard.
func (n *Notifier) Notify(ctx context.Context, title, detail string) {
	if n == nil || n.webhookURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", title, detail),
	})
	if err != nil {
		n.log.Warn().Err(err).Msg("marshal alert")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		n.log.Warn().Err(err).Msg("build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("title", title).Msg("alert webhook failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn().Int("status", resp.StatusCode).Str("title", title).Msg("alert webhook rejected")
	}
}
