package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Alarm is the detail record returned by the telemetry API.
type Alarm struct {
	ID              string          `json:"alarm_id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Description     string          `json:"description"`
	Timestamp       string          `json:"timestamp"`
	ThresholdRule   json.RawMessage `json:"threshold_rule"`
	TimeConstraints json.RawMessage `json:"time_constraints"`
	AlarmActions    []string        `json:"alarm_actions"`
	RepeatActions   bool            `json:"repeat_actions"`
	StateTimestamp  string          `json:"state_timestamp"`
}

// Client is a minimal telemetry API client, constructed once and reused for
// every notification.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) GetAlarm(ctx context.Context, id string) (*Alarm, error) {
	endpoint := fmt.Sprintf("%s/v2/alarms/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("get alarm %s: status %d: %s",
			id, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var a Alarm
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode alarm %s: %w", id, err)
	}
	return &a, nil
}
