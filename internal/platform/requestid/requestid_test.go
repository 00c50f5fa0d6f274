package requestid

import (
	"context"
	"encoding/hex"
	"testing"
)

func TestNew(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if len(id) != 32 {
		t.Fatalf("New() len=%d, want 32", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Fatalf("New()=%q not hex: %v", id, err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("FromContext() expected no id on empty context")
	}
	ctx := WithContext(context.Background(), "req-1")
	got, ok := FromContext(ctx)
	if !ok || got != "req-1" {
		t.Fatalf("FromContext()=%q,%v want req-1,true", got, ok)
	}
	if _, ok := FromContext(WithContext(context.Background(), "")); ok {
		t.Fatalf("FromContext() expected empty id to be absent")
	}
}
