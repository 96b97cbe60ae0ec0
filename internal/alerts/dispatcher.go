package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

// Alert is one operator notification
type Alert struct {
	Severity models.Severity `json:"severity"`
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	SentAt   string          `json:"sent_at"`
}

// channel delivers an alert to one destination
type channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Dispatcher fans alerts out to the configured channels with a per
// (channel, severity) cooldown to suppress storms. Dispatch never returns
// an error; channel failures are logged as warnings.
type Dispatcher struct {
	mu       sync.Mutex
	channels []channel
	lastSent map[string]time.Time // "channel|severity" -> last delivery
	cooldown time.Duration
	enabled  bool
	logger   arbor.ILogger

	now func() time.Time
}

// NewDispatcher builds the dispatcher from the alert configuration
func NewDispatcher(config common.AlertsConfig, logger arbor.ILogger) *Dispatcher {
	cooldown := time.Duration(config.CooldownMin) * time.Minute
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}

	d := &Dispatcher{
		lastSent: make(map[string]time.Time),
		cooldown: cooldown,
		enabled:  config.Enabled,
		logger:   logger,
		now:      time.Now,
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if config.SlackWebhook != "" {
		d.channels = append(d.channels, &slackChannel{url: config.SlackWebhook, client: client})
	}
	if config.GenericWebhook != "" {
		d.channels = append(d.channels, &webhookChannel{url: config.GenericWebhook, client: client})
	}
	if config.SendmailTo != "" {
		d.channels = append(d.channels, &sendmailChannel{to: config.SendmailTo})
	}

	return d
}

// Dispatch sends the alert to every configured channel not in cooldown
func (d *Dispatcher) Dispatch(ctx context.Context, severity models.Severity, title, message string) {
	if !d.enabled || len(d.channels) == 0 {
		return
	}

	alert := Alert{
		Severity: severity,
		Title:    title,
		Message:  message,
		SentAt:   d.now().UTC().Format(time.RFC3339),
	}

	for _, ch := range d.channels {
		if !d.shouldSend(ch.Name(), severity) {
			d.logger.Debug().
				Str("channel", ch.Name()).
				Str("severity", string(severity)).
				Msg("Alert suppressed by cooldown")
			continue
		}
		if err := ch.Send(ctx, alert); err != nil {
			d.logger.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("title", title).
				Msg("Alert channel delivery failed")
		}
	}
}

// shouldSend checks and updates the cooldown ledger for one delivery
func (d *Dispatcher) shouldSend(channelName string, severity models.Severity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := channelName + "|" + string(severity)
	if last, ok := d.lastSent[key]; ok && d.now().Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = d.now()
	return true
}

type slackChannel struct {
	url    string
	client *http.Client
}

func (c *slackChannel) Name() string { return "slack" }

func (c *slackChannel) Send(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"text": fmt.Sprintf("[%s] %s\n%s", alert.Severity, alert.Title, alert.Message),
	}
	return postJSON(ctx, c.client, c.url, payload)
}

type webhookChannel struct {
	url    string
	client *http.Client
}

func (c *webhookChannel) Name() string { return "webhook" }

func (c *webhookChannel) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, c.client, c.url, alert)
}

type sendmailChannel struct {
	to string
}

func (c *sendmailChannel) Name() string { return "sendmail" }

func (c *sendmailChannel) Send(ctx context.Context, alert Alert) error {
	body := fmt.Sprintf("To: %s\nSubject: [colligo][%s] %s\n\n%s\n",
		c.to, alert.Severity, alert.Title, alert.Message)

	cmd := exec.CommandContext(ctx, "sendmail", "-t")
	cmd.Stdin = bytes.NewBufferString(body)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("sendmail failed: %w (%s)", err, bytes.TrimSpace(out))
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("alert delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
