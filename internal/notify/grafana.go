package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ppiankov/trustflow/internal/config"
)

// grafanaAnnotation is the payload for Grafana's POST /api/annotations endpoint.
type grafanaAnnotation struct {
	Text         string   `json:"text"`
	DashboardUID string   `json:"dashboardUID,omitempty"`
	Tags         []string `json:"tags"`
	Time         int64    `json:"time"`
}

func (n *Notifier) sendGrafana(ctx context.Context, wh *config.WebhookConfig, msg *Message) error {
	ann := grafanaAnnotation{
		Time:         msg.Timestamp.UnixMilli(),
		Tags:         grafanaTags(msg),
		Text:         grafanaText(msg),
		DashboardUID: wh.DashboardUID,
	}
	body, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("grafana marshal: %w", err)
	}

	var header http.Header
	if wh.APIKey != "" {
		header = http.Header{"Authorization": {"Bearer " + wh.APIKey}}
	}
	return n.post(ctx, strings.TrimRight(wh.URL, "/")+"/api/annotations", body, header)
}

func grafanaTags(msg *Message) []string {
	tags := []string{"trustflow", strings.ToLower(string(msg.Resource)), msg.Severity}
	if msg.GroupingKey != "" {
		tags = append(tags, msg.GroupingKey)
	}
	return tags
}

func grafanaText(msg *Message) string {
	lines := []string{fmt.Sprintf("trustflow: %s", msg.Subject)}
	if msg.Text != "" {
		lines = append(lines, msg.Text)
	}
	lines = append(lines, fmt.Sprintf("- %s/%s (action %s)", msg.Resource, msg.ObjectUUID, msg.Action))
	return strings.Join(lines, "\n")
}
