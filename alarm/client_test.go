package alarm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAlarm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/alarms/alarm-1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Auth-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"alarm_id": "alarm-1",
			"name": "cpu_high",
			"type": "threshold",
			"description": "cpu above 90%",
			"threshold_rule": {"threshold": 90},
			"alarm_actions": ["smtp://ops@example.com"],
			"repeat_actions": true
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	a, err := c.GetAlarm(context.Background(), "alarm-1")
	require.NoError(t, err)
	assert.Equal(t, "alarm-1", a.ID)
	assert.Equal(t, "cpu_high", a.Name)
	assert.Equal(t, "threshold", a.Type)
	assert.JSONEq(t, `{"threshold": 90}`, string(a.ThresholdRule))
	assert.Equal(t, []string{"smtp://ops@example.com"}, a.AlarmActions)
	assert.True(t, a.RepeatActions)
}

func TestGetAlarmNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "alarm not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	_, err := c.GetAlarm(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "alarm not found")
}

func TestGetAlarmEscapesID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	_, err := c.GetAlarm(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/v2/alarms/a%2Fb", gotPath)
}
