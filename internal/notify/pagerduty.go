package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/trustflow/internal/config"
)

// pagerDutyEventsURL is the PagerDuty Events API v2 endpoint (var for testing).
var pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue" //nolint:gosec // not a credential

// pdEvent is a PagerDuty Events API v2 request body.
type pdEvent struct {
	Payload     *pdPayload `json:"payload,omitempty"`
	RoutingKey  string     `json:"routing_key"`
	EventAction string     `json:"event_action"`
	DedupKey    string     `json:"dedup_key"`
}

// pdPayload is the payload section of a PagerDuty trigger event.
type pdPayload struct {
	Timestamp string `json:"timestamp"`
	Summary   string `json:"summary"`
	Source    string `json:"source"`
	Severity  string `json:"severity"`
	Component string `json:"component,omitempty"`
}

// sendPagerDuty triggers an incident, or resolves it when eventAction is
// "resolve". The dedup key is the notification's grouping key so repeated
// triggers for one object collapse into one incident.
func (n *Notifier) sendPagerDuty(ctx context.Context, wh *config.WebhookConfig, dedup string, msg *Message, eventAction string) error {
	event := pdEvent{
		RoutingKey:  wh.RoutingKey,
		EventAction: "trigger",
		DedupKey:    dedup,
	}
	if eventAction == "resolve" {
		event.EventAction = "resolve"
	} else {
		event.Payload = &pdPayload{
			Summary:   pdSummary(msg),
			Source:    "trustflow",
			Severity:  pdSeverity(msg.Severity),
			Component: string(msg.Resource),
			Timestamp: msg.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pagerduty marshal: %w", err)
	}
	target := pagerDutyEventsURL
	if wh.URL != "" {
		target = wh.URL
	}
	return n.post(ctx, target, body, nil)
}

func pdSummary(msg *Message) string {
	return fmt.Sprintf("[%s] %s: %s/%s",
		strings.ToUpper(msg.Severity), msg.Subject, msg.Resource, msg.ObjectUUID)
}

func pdSeverity(s string) string {
	switch strings.ToLower(s) {
	case "critical", "error", "warning", "info":
		return strings.ToLower(s)
	default:
		return "warning"
	}
}
