package heuristics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

// Alert & Outbound Notification System
//
// Structured alert emission for contest operations. Alerts are:
//   1. Broadcast via WebSocket to connected dashboards
//   2. Pushed to registered webhook endpoints (Slack, Discord, SIEM)
//   3. Optionally mailed to the contest operators over SMTP
//   4. Stored in memory for recent alert history
//
// Outbound delivery is best-effort and never blocks the ingest path.

const (
	maxAlertHistory = 1000
	webhookTimeout  = 10 * time.Second
)

// WebhookEndpoint is a registered webhook receiver.
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"minSeverity"` // only send alerts >= this level
}

// SMTPConfig holds the outbound mail channel parameters. A zero Host
// disables the channel.
type SMTPConfig struct {
	Host string
	Port string
	From string
	To   []string
}

// ChannelResult reports one outbound channel's delivery outcome.
type ChannelResult struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// AlertManager handles alert emission and outbound delivery.
type AlertManager struct {
	mu            sync.RWMutex
	webhooks      []WebhookEndpoint
	smtpCfg       SMTPConfig
	recentAlerts  []models.Alert
	httpClient    *http.Client
	alertCallback func(models.Alert) // WebSocket broadcast hook
}

// NewAlertManager creates the alert system. broadcastFn is invoked for
// every emitted alert (nil disables live broadcast).
func NewAlertManager(broadcastFn func(models.Alert)) *AlertManager {
	return &AlertManager{
		webhooks:      make([]WebhookEndpoint, 0),
		recentAlerts:  make([]models.Alert, 0),
		httpClient:    &http.Client{Timeout: webhookTimeout},
		alertCallback: broadcastFn,
	}
}

// RegisterWebhook adds a webhook endpoint.
func (am *AlertManager) RegisterWebhook(name, url, minSeverity string, headers map[string]string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.webhooks = append(am.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})
	log.Printf("[AlertManager] Registered webhook: %s → %s (min: %s)", name, url, minSeverity)
}

// ConfigureSMTP enables the mail channel.
func (am *AlertManager) ConfigureSMTP(cfg SMTPConfig) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.smtpCfg = cfg
	log.Printf("[AlertManager] SMTP channel configured: %s:%s → %s",
		cfg.Host, cfg.Port, strings.Join(cfg.To, ","))
}

// Emit records the alert, broadcasts it, and fires outbound channels
// asynchronously. Used by the ingest pipeline's threshold alerts.
func (am *AlertManager) Emit(alert models.Alert) {
	am.record(&alert)

	if am.alertCallback != nil {
		am.alertCallback(alert)
	}

	webhooks, smtpCfg := am.channels()
	for _, wh := range webhooks {
		if !wh.Enabled || !severityMeetsThreshold(alert.Level, wh.MinSeverity) {
			continue
		}
		go func(wh WebhookEndpoint) { _ = am.sendWebhook(wh, alert) }(wh)
	}
	if smtpCfg.Host != "" {
		go func() { _ = am.sendMail(smtpCfg, alert) }()
	}

	log.Printf("[Alert] [%s] participant %s score %.3f: %s",
		alert.Level, alert.ParticipantID, alert.Score, strings.Join(alert.Reasons, "; "))
}

// Deliver records and broadcasts the alert, then runs every outbound
// channel synchronously and reports per-channel results. Used by the
// POST /alerts egress endpoint.
func (am *AlertManager) Deliver(alert models.Alert) (models.Alert, []ChannelResult) {
	am.record(&alert)

	if am.alertCallback != nil {
		am.alertCallback(alert)
	}

	webhooks, smtpCfg := am.channels()
	results := make([]ChannelResult, 0, len(webhooks)+1)
	for _, wh := range webhooks {
		if !wh.Enabled || !severityMeetsThreshold(alert.Level, wh.MinSeverity) {
			continue
		}
		res := ChannelResult{Channel: "webhook:" + wh.Name, OK: true}
		if err := am.sendWebhook(wh, alert); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	if smtpCfg.Host != "" {
		res := ChannelResult{Channel: "smtp", OK: true}
		if err := am.sendMail(smtpCfg, alert); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return alert, results
}

// RecentAlerts returns up to limit alerts, most recent first.
func (am *AlertManager) RecentAlerts(limit int) []models.Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if limit <= 0 || limit > len(am.recentAlerts) {
		limit = len(am.recentAlerts)
	}
	start := len(am.recentAlerts) - limit
	out := make([]models.Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = am.recentAlerts[start+limit-1-i]
	}
	return out
}

func (am *AlertManager) record(alert *models.Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	am.mu.Lock()
	am.recentAlerts = append(am.recentAlerts, *alert)
	if len(am.recentAlerts) > maxAlertHistory {
		am.recentAlerts = am.recentAlerts[len(am.recentAlerts)-maxAlertHistory:]
	}
	am.mu.Unlock()
}

func (am *AlertManager) channels() ([]WebhookEndpoint, SMTPConfig) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	webhooks := make([]WebhookEndpoint, len(am.webhooks))
	copy(webhooks, am.webhooks)
	return webhooks, am.smtpCfg
}

// sendWebhook delivers an alert to a webhook endpoint. The payload carries
// a Slack/Discord-compatible text line plus the structured alert.
func (am *AlertManager) sendWebhook(wh WebhookEndpoint, alert models.Alert) error {
	payload, err := json.Marshal(map[string]any{
		"text":  fmt.Sprintf("[%s] participant %s (score %.3f)", alert.Level, alert.ParticipantID, alert.Score),
		"alert": alert,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := am.httpClient.Do(req)
	if err != nil {
		log.Printf("[Webhook] Failed to send to %s: %v", wh.Name, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Webhook] %s returned status %d", wh.Name, resp.StatusCode)
		return fmt.Errorf("webhook %s: status %d", wh.Name, resp.StatusCode)
	}
	return nil
}

func (am *AlertManager) sendMail(cfg SMTPConfig, alert models.Alert) error {
	subject := fmt.Sprintf("[proctor:%s] participant %s", alert.Level, alert.ParticipantID)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n"+
		"Participant: %s\r\nLevel: %s\r\nScore: %.3f\r\nReasons:\r\n  %s\r\nAt: %s\r\n",
		cfg.From, strings.Join(cfg.To, ","), subject,
		alert.ParticipantID, alert.Level, alert.Score,
		strings.Join(alert.Reasons, "\r\n  "), alert.Timestamp.Format(time.RFC3339))

	addr := cfg.Host + ":" + cfg.Port
	if err := smtp.SendMail(addr, nil, cfg.From, cfg.To, []byte(msg)); err != nil {
		log.Printf("[AlertManager] SMTP delivery failed: %v", err)
		return err
	}
	return nil
}

// severityMeetsThreshold orders warning < critical ("" means no threshold).
func severityMeetsThreshold(level, minimum string) bool {
	levels := map[string]int{
		models.AlertNone: 0, models.AlertWarning: 1, models.AlertCritical: 2,
	}
	if minimum == "" {
		return true
	}
	return levels[level] >= levels[minimum]
}
