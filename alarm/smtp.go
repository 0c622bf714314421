package alarm

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/fzft/go-vmchannels/log"
)

// Config holds the SMTP notifier settings, loaded from the environment.
type Config struct {
	Address  string `envconfig:"SMTP_ADDRESS" default:"localhost"`
	Port     int    `envconfig:"SMTP_PORT" default:"25"`
	Username string `envconfig:"SMTP_USERNAME" default:""`
	Password string `envconfig:"SMTP_PASSWORD" default:""`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("ALARM", &cfg); err != nil {
		return Config{}, fmt.Errorf("load alarm config: %w", err)
	}
	return cfg, nil
}

// SMTPNotifier mails a plain-text summary for every alarm transition. The
// alarm detail is fetched synchronously; delivery happens on its own
// goroutine and is never reported back to the caller.
type SMTPNotifier struct {
	cfg    Config
	client *Client
	send   func(m *gomail.Message) error
	now    func() time.Time
}

var _ Notifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier builds a notifier; client may be nil, in which case the
// mail carries no alarm detail block.
func NewSMTPNotifier(cfg Config, client *Client) *SMTPNotifier {
	d := gomail.NewDialer(cfg.Address, cfg.Port, cfg.Username, cfg.Password)
	return &SMTPNotifier{
		cfg:    cfg,
		client: client,
		send:   func(m *gomail.Message) error { return d.DialAndSend(m) },
		now:    time.Now,
	}
}

func (n *SMTPNotifier) Notify(ctx context.Context, action *url.URL, alarmID, previous, current, reason string, reasonData map[string]any) {
	log.Logger.Info("notifying alarm",
		zap.String("alarm_id", alarmID),
		zap.String("previous", previous),
		zap.String("current", current),
		zap.String("reason", reason))

	target := mailTarget(action)
	if target == "" {
		log.Logger.Error("alarm action carries no mail target", zap.String("action", action.String()))
		return
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.Username)
	m.SetHeader("To", target)
	m.SetHeader("Subject", fmt.Sprintf("Alarm %s: %s -> %s", alarmID, previous, current))
	m.SetBody("text/plain", n.buildBody(ctx, alarmID, reason, reasonData))

	go func() {
		if err := n.send(m); err != nil {
			log.Logger.Error("failed to send alarm mail",
				zap.String("to", target), zap.Error(err))
		}
	}()
}

// mailTarget extracts the recipient from an smtp://user@host action URL.
func mailTarget(action *url.URL) string {
	if action == nil {
		return ""
	}
	if action.User != nil && action.User.Username() != "" {
		return action.User.Username() + "@" + action.Host
	}
	return action.Host
}

func (n *SMTPNotifier) buildBody(ctx context.Context, alarmID, reason string, reasonData map[string]any) string {
	detail := "(alarm detail unavailable)"
	if n.client != nil {
		a, err := n.client.GetAlarm(ctx, alarmID)
		if err != nil {
			log.Logger.Error("failed to fetch alarm detail",
				zap.String("alarm_id", alarmID), zap.Error(err))
		} else {
			detail = formatDetail(a)
		}
	}

	return fmt.Sprintf("An alarm was triggered!\r\n\r\n"+
		"Alarm Time: %s\r\n"+
		"Alarm Reason: %s\r\n"+
		"Reason Data: %v\r\n"+
		"Alarm Detail:\r\n%s\r\n\r\n"+
		"This mail was generated automatically, do not reply.",
		n.now().Format(time.RFC3339), reason, reasonData, detail)
}

func formatDetail(a *Alarm) string {
	return fmt.Sprintf("* alarm_name: %s\r\n"+
		"* alarm_type: %s\r\n"+
		"* description: %s\r\n"+
		"* timestamp: %s\r\n"+
		"* threshold_rule: %s\r\n"+
		"* time_constraints: %s\r\n"+
		"* alarm_actions: %v\r\n"+
		"* repeat_actions: %t\r\n"+
		"* state_timestamp: %s",
		a.Name, a.Type, a.Description, a.Timestamp,
		string(a.ThresholdRule), string(a.TimeConstraints),
		a.AlarmActions, a.RepeatActions, a.StateTimestamp)
}
