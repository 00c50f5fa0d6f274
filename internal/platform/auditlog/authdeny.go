package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/stagegate/stagegate/internal/platform/auth"
)

// AuthDenyFunc adapts a recorder to the auth middleware audit hook.
func AuthDenyFunc(rec Recorder, service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		actor := "anonymous"
		if strings.TrimSpace(event.Subject) != "" {
			actor = strings.TrimSpace(event.Subject)
		}

		var ip net.IP
		if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
			ip = net.ParseIP(host)
		}

		return rec.Record(ctx, Event{
			OccurredAt:   event.Time,
			Actor:        actor,
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
				"roles":   event.Roles,
			},
		})
	}
}
