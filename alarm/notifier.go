package alarm

import (
	"context"
	"net/url"
)

// Notifier delivers alarm state transitions to an external sink. Delivery is
// fire-and-forget: implementations log failures instead of returning them.
type Notifier interface {
	Notify(ctx context.Context, action *url.URL, alarmID, previous, current, reason string, reasonData map[string]any)
}
