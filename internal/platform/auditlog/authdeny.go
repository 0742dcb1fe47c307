package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/mailcrew-labs/mailcrew-go/internal/platform/auth"
)

// InsertAuthDeny records a rejected request. Callers are anonymous by
// definition since the token did not verify.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	var ip net.IP
	if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	_, err := Insert(ctx, q, Event{
		OccurredAt:   event.Time,
		Actor:        "anonymous",
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
		},
	})
	return err
}
