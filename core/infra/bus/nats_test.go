package bus

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestIsDurableSubject(t *testing.T) {
	cases := map[string]bool{
		SubjectEvents:              true,
		SubjectEvents + ".install": true,
		"barkit.eventsx":           false,
		"sys.ping":                 false,
	}
	for subject, expect := range cases {
		if got := isDurableSubject(subject); got != expect {
			t.Fatalf("subject %s expected durable=%v got=%v", subject, expect, got)
		}
	}
}

func TestDurableName(t *testing.T) {
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	if got := durableName("barkit.events.*", "audit"); got != "dur_audit__barkit_events_STAR" {
		t.Fatalf("unexpected durable name: %s", got)
	}
	if got := durableName("barkit.events.>", ""); got != "dur_barkit_events_GT" {
		t.Fatalf("unexpected durable name for empty queue: %s", got)
	}
}

func TestNatsBusPublishErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Publish("barkit.events.install", "", map[string]string{}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	bus := &NatsBus{nc: &nats.Conn{}}
	if err := bus.Publish("", "", map[string]string{}); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.Publish("barkit.events.install", "", nil); !errors.Is(err, errNilPayload) {
		t.Fatalf("expected nil payload error, got %v", err)
	}
}

func TestNatsBusSubscribeErrors(t *testing.T) {
	var nilBus *NatsBus
	if err := nilBus.Subscribe("barkit.events.install", "", func([]byte) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	bus := &NatsBus{nc: &nats.Conn{}}
	if err := bus.Subscribe("", "", func([]byte) error { return nil }); !errors.Is(err, errEmptyTopic) {
		t.Fatalf("expected empty topic error, got %v", err)
	}
	if err := bus.Subscribe("barkit.events.install", "", nil); err == nil {
		t.Fatalf("expected nil handler error")
	}
}

func TestNatsBusStatusDefaults(t *testing.T) {
	var nilBus *NatsBus
	if nilBus.IsConnected() {
		t.Fatalf("expected disconnected nil bus")
	}
	if status := nilBus.Status(); status != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN status, got %s", status)
	}
	if url := nilBus.ConnectedURL(); url != "" {
		t.Fatalf("expected empty url, got %s", url)
	}
}
