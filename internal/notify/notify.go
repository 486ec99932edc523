// Package notify delivers SEND_NOTIFICATION actions to configured webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ppiankov/trustflow/internal/action"
	"github.com/ppiankov/trustflow/internal/config"
	"github.com/ppiankov/trustflow/internal/store"
)

const httpTimeout = 10 * time.Second

// Action parameters understood by the notifier.
const (
	ParamChannel  = "channel"  // deliver only to the webhook with this name
	ParamSubject  = "subject"  // headline, defaults to the action name
	ParamText     = "text"     // body text
	ParamSeverity = "severity" // critical | warning | info, default warning
	ParamEvent    = "event"    // pagerduty event action: trigger (default) | resolve
)

// ErrNoTargets is returned when no webhook accepts the notification.
var ErrNoTargets = errors.New("no notification target")

// Notifier implements action.Backend for SEND_NOTIFICATION.
type Notifier struct {
	sent     map[string]time.Time
	client   *http.Client
	now      func() time.Time
	webhooks []config.WebhookConfig
	cooldown time.Duration
	mu       sync.Mutex
}

// New creates a Notifier from notification config. A socks5 proxy, when
// configured, carries every webhook request.
func New(cfg config.NotificationConfig) (*Notifier, error) {
	client, err := newClient(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		webhooks: cfg.Webhooks,
		cooldown: cfg.Cooldown,
		sent:     make(map[string]time.Time),
		client:   client,
		now:      time.Now,
	}, nil
}

func newClient(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{Timeout: httpTimeout}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	socksDialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("creating SOCKS5 dialer: %w", err)
	}
	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support DialContext")
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		},
	}
	return &http.Client{Timeout: httpTimeout, Transport: transport}, nil
}

// Message is the notification rendered from an action request.
type Message struct {
	Timestamp   time.Time      `json:"timestamp"`
	Subject     string         `json:"subject"`
	Text        string         `json:"text,omitempty"`
	Severity    string         `json:"severity"`
	Action      string         `json:"action"`
	ActionUUID  string         `json:"actionUuid"`
	Resource    store.Resource `json:"resource"`
	ObjectUUID  string         `json:"objectUuid"`
	GroupingKey string         `json:"groupingKey,omitempty"`
}

// dedupKey groups repeats of the same notification about the same object.
func dedupKey(req *action.Request) string {
	key := req.GroupingKey
	if key == "" {
		key = req.ActionUUID
	}
	return fmt.Sprintf("%s/%s/%s", key, req.Resource, req.ObjectUUID)
}

func render(req *action.Request, at time.Time) Message {
	subject := req.Params[ParamSubject]
	if subject == "" {
		subject = "trustflow: " + req.ActionName
	}
	severity := req.Params[ParamSeverity]
	if severity == "" {
		severity = "warning"
	}
	return Message{
		Timestamp:   at.UTC(),
		Subject:     subject,
		Text:        req.Params[ParamText],
		Severity:    severity,
		Action:      req.ActionName,
		ActionUUID:  req.ActionUUID,
		Resource:    req.Resource,
		ObjectUUID:  req.ObjectUUID,
		GroupingKey: req.GroupingKey,
	}
}

// targets returns the webhooks a request is delivered to.
func (n *Notifier) targets(channel string) ([]config.WebhookConfig, error) {
	if channel == "" {
		if len(n.webhooks) == 0 {
			return nil, fmt.Errorf("%w: no webhooks configured", ErrNoTargets)
		}
		return n.webhooks, nil
	}
	for _, wh := range n.webhooks {
		if wh.Name == channel {
			return []config.WebhookConfig{wh}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown channel %q", ErrNoTargets, channel)
}

// Execute implements action.Backend. Repeats of the same grouping key for
// the same object within the cooldown are suppressed and reported as
// delivered. Any failed delivery fails the action.
func (n *Notifier) Execute(ctx context.Context, req action.Request) error {
	targets, err := n.targets(req.Params[ParamChannel])
	if err != nil {
		return err
	}

	key := dedupKey(&req)
	now := n.now()
	n.mu.Lock()
	if last, ok := n.sent[key]; ok && n.cooldown > 0 && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		slog.Debug("notification suppressed by cooldown", "key", key, "last", last)
		return nil
	}
	n.mu.Unlock()

	msg := render(&req, now)
	var errs []error
	for i := range targets {
		wh := &targets[i]
		var err error
		switch wh.Type {
		case "slack":
			err = n.sendSlack(ctx, wh.URL, &msg)
		case "pagerduty":
			err = n.sendPagerDuty(ctx, wh, key, &msg, req.Params[ParamEvent])
		case "grafana":
			err = n.sendGrafana(ctx, wh, &msg)
		default:
			err = n.sendGeneric(ctx, wh.URL, &msg)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", label(wh), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	n.mu.Lock()
	n.sent[key] = now
	n.mu.Unlock()
	return nil
}

func label(wh *config.WebhookConfig) string {
	if wh.Name != "" {
		return wh.Name
	}
	if wh.Type != "" {
		return wh.Type
	}
	return "generic"
}

func (n *Notifier) sendGeneric(ctx context.Context, webhookURL string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return n.post(ctx, webhookURL, body, nil)
}

// SlackPayload is the JSON body sent to Slack incoming webhooks.
type SlackPayload struct {
	Blocks []SlackBlock `json:"blocks"`
}

// SlackBlock is a Slack Block Kit block.
type SlackBlock struct {
	Text *SlackText `json:"text,omitempty"`
	Type string     `json:"type"`
}

// SlackText is a Slack text element.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (n *Notifier) sendSlack(ctx context.Context, webhookURL string, msg *Message) error {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{Type: "plain_text", Text: msg.Subject},
		},
	}
	if msg.Text != "" {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{Type: "mrkdwn", Text: msg.Text},
		})
	}
	blocks = append(blocks, SlackBlock{
		Type: "context",
		Text: &SlackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("`%s/%s` | action %s | %s",
				msg.Resource, msg.ObjectUUID, msg.Action, msg.Timestamp.Format(time.RFC3339)),
		},
	})

	body, err := json.Marshal(SlackPayload{Blocks: blocks})
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}
	return n.post(ctx, webhookURL, body, nil)
}

func (n *Notifier) post(ctx context.Context, webhookURL string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		return fmt.Errorf("returned status %d", resp.StatusCode)
	}
	return nil
}
