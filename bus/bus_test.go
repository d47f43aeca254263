package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryPublishSubscribeRoundTrip(t *testing.T) {
	m := NewMemory(1)
	ctx := context.Background()

	event, err := NewEvent(KindMasterMoved, MasterMoved{Owner: "acme", Name: "widgets"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := m.Publish(ctx, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deliveries, err := m.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case d := <-deliveries:
		if d.Event.Kind != KindMasterMoved {
			t.Errorf("Kind = %q, want %q", d.Event.Kind, KindMasterMoved)
		}
		var got MasterMoved
		if err := json.Unmarshal(d.Event.Payload, &got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if got.Owner != "acme" || got.Name != "widgets" {
			t.Errorf("payload = %+v, want {acme widgets}", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestParseURI(t *testing.T) {
	project, topic, sub, err := ParseURI("acme/cinch-events/worker")
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if project != "acme" || topic != "cinch-events" || sub != "worker" {
		t.Errorf("got (%q,%q,%q)", project, topic, sub)
	}

	if _, _, _, err := ParseURI("not-enough-parts"); err == nil {
		t.Error("expected an error for a malformed BUS_URI")
	}
}

func TestSeenOnceDeduplicates(t *testing.T) {
	s := NewSeen()
	if !s.Once("a") {
		t.Error("first Once(a) should report firstTime=true")
	}
	if s.Once("a") {
		t.Error("second Once(a) should report firstTime=false")
	}
	if !s.Once("b") {
		t.Error("first Once(b) should report firstTime=true")
	}
}
