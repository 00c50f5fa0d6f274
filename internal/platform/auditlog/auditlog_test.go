package auditlog

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stagegate/stagegate/internal/platform/auth"
)

func gateEvent() Event {
	return Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alice",
		Action:       "gate.approved",
		ResourceType: "approval_gate",
		ResourceID:   "abalone/ETLApproval/ApproveETL",
		RequestID:    "req-123",
		IP:           net.ParseIP("192.0.2.1"),
	}
}

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := gateEvent()
	payloadJSON := []byte(`{"summary":"Glue ETL Job completed"}`)

	a, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	event.Actor = "  alice "
	b, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_ChangesOnPayload(t *testing.T) {
	event := gateEvent()
	a, err := ComputeIntegritySHA256(event, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestValidate_RequiresResource(t *testing.T) {
	event := gateEvent()
	event.ResourceID = " "
	if err := event.Validate(); err == nil {
		t.Fatalf("Validate() expected error for blank resource id")
	}
	if !strings.Contains(insertEventQuery, "RETURNING event_id") {
		t.Fatalf("insert must return the event id")
	}
}

type captureRecorder struct {
	events []Event
}

func (c *captureRecorder) Record(ctx context.Context, event Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestAuthDenyFunc(t *testing.T) {
	rec := &captureRecorder{}
	fn := AuthDenyFunc(rec, "orchestrator")
	err := fn(context.Background(), auth.DenyEvent{
		Time:       time.Now(),
		Status:     403,
		Reason:     "forbidden",
		Method:     "POST",
		Path:       "/v1/launch/etl",
		RemoteAddr: "192.0.2.7:5555",
	})
	if err != nil {
		t.Fatalf("AuthDenyFunc() err=%v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("events=%d", len(rec.events))
	}
	got := rec.events[0]
	if got.Actor != "anonymous" || got.Action != "auth.forbidden" || got.ResourceID != "POST /v1/launch/etl" {
		t.Fatalf("event=%+v", got)
	}
	if got.IP.String() != "192.0.2.7" {
		t.Fatalf("ip=%v", got.IP)
	}
}
