// Package notify delivers fire-and-forget account notifications. Delivery
// failures are logged and never propagate into ledger or escrow state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/threadline/platform/pkg/logger"
)

// Event kinds emitted by the core services.
const (
	EventLowBalance        = "credits.low"
	EventBalanceExhausted  = "credits.exhausted"
	EventEscrowFunded      = "escrow.funded"
	EventMilestoneReleased = "escrow.milestone_released"
	EventEscrowCompleted   = "escrow.completed"
	EventEscrowDisputed    = "escrow.disputed"
)

// Notifier delivers an event to one account's owner.
type Notifier interface {
	Notify(ctx context.Context, accountID, event string, payload map[string]string) error
}

// LogNotifier writes notifications to the log. Default when no push endpoint
// is configured.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier constructs a logging notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, accountID, event string, payload map[string]string) error {
	n.log.WithField("account_id", accountID).
		WithField("event", event).
		WithField("payload", payload).
		Info("notification")
	return nil
}

// HTTPNotifier posts notifications to an external delivery endpoint.
type HTTPNotifier struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPNotifier constructs a notifier using the provided endpoint.
func NewHTTPNotifier(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPNotifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("notifier endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse notifier endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("notify-http")
	}
	return &HTTPNotifier{client: client, endpoint: parsed, apiKey: strings.TrimSpace(apiKey), log: log}, nil
}

func (n *HTTPNotifier) Notify(ctx context.Context, accountID, event string, payload map[string]string) error {
	body, err := json.Marshal(map[string]any{
		"account_id": accountID,
		"event":      event,
		"payload":    payload,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify status %d", resp.StatusCode)
	}
	return nil
}
