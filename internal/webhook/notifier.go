// Package webhook announces run outcomes to an external sink (a
// Discord-style incoming webhook). Announcements are fire-and-forget:
// delivery failure never affects the run.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowforgehq/flowforge/internal/store/redisstore"
)

type Event struct {
	EventID    string
	WorkflowID string
	UserID     uint64
	Status     string
	Error      string
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Noop is used when no webhook URL is configured.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// Discord posts run announcements to a webhook URL, deduplicating by
// event id + status through Redis so redelivered pipeline messages do not
// announce twice.
type Discord struct {
	url    string
	client *http.Client
	dedup  *redisstore.Store
	log    *logrus.Entry
}

const dedupTTL = 24 * time.Hour

func NewDiscord(url string, dedup *redisstore.Store) *Discord {
	return &Discord{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		dedup:  dedup,
		log:    logrus.WithField("component", "webhook"),
	}
}

func (d *Discord) Notify(ctx context.Context, e Event) {
	go func() {
		// Detach from the request context; the caller does not wait.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()

		if d.dedup != nil {
			key := fmt.Sprintf("webhook:seen:%s:%s", e.EventID, e.Status)
			first, err := d.dedup.ClaimOnce(ctx, key, dedupTTL)
			if err != nil {
				d.log.WithError(err).Debug("webhook dedup check failed")
			} else if !first {
				return
			}
		}

		content := fmt.Sprintf("run %s (%s) %s", e.EventID, e.WorkflowID, e.Status)
		if e.Error != "" {
			content = fmt.Sprintf("%s: %s", content, e.Error)
		}
		body, err := json.Marshal(map[string]string{"content": content})
		if err != nil {
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.log.WithError(err).Debug("webhook post failed")
			return
		}
		resp.Body.Close()
	}()
}
