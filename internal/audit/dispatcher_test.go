package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Emit(context.Context, Event) { <-b.release }

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	d.Emit(context.Background(), Event{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports no drops")
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	for _, et := range []string{"verify_failure", "verify_success"} {
		d.Emit(context.Background(), Event{EventType: et, IdentityID: "u1"})
	}
	d.Close()

	got := []string{(<-sink.Events()).EventType, (<-sink.Events()).EventType}
	if got[0] != "verify_failure" || got[1] != "verify_success" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestDispatcherDropIfFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "verify_failure"})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events with a stalled sink")
	}
	close(sink.release)
	d.Close()
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{EventType: "lockdown_triggered", IdentityID: "u1", Reason: "locked_down"})

	var decoded Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.EventType != "lockdown_triggered" || decoded.Reason != "locked_down" {
		t.Fatalf("unexpected event %+v", decoded)
	}
}

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := MultiSink{NewZapSink(zap.New(core)), NoOpSink{}}

	sink.Emit(context.Background(), Event{Timestamp: time.Now(), EventType: "verify_success", IdentityID: "u1", Success: true})
	sink.Emit(context.Background(), Event{Timestamp: time.Now(), EventType: "verify_failure", IdentityID: "u1", Reason: "invalid_code", Metadata: map[string]string{"method": "totp"}})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zap.InfoLevel || entries[1].Level != zap.WarnLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
	if !strings.HasPrefix(entries[1].LoggerName, "audit") {
		t.Fatalf("unexpected logger name %q", entries[1].LoggerName)
	}
	if entries[1].ContextMap()["meta.method"] != "totp" {
		t.Fatalf("metadata not logged: %v", entries[1].ContextMap())
	}
}

type deadlineSink struct {
	deadlines chan bool
}

func (s *deadlineSink) Emit(ctx context.Context, _ Event) {
	_, ok := ctx.Deadline()
	s.deadlines <- ok
}

func TestDispatcherSinkTimeoutSetsDeadline(t *testing.T) {
	sink := &deadlineSink{deadlines: make(chan bool, 2)}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 2, SinkTimeout: time.Second}, sink)
	d.Emit(context.Background(), Event{EventType: "verify_success"})
	d.Close()

	if !<-sink.deadlines {
		t.Fatal("expected sink context to carry a deadline")
	}
}

func TestDispatcherOnDropAndCanceledEmit(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	var dropped []string
	d := NewDispatcher(Config{
		Enabled:    true,
		BufferSize: 1,
		OnDrop:     func(ev Event) { dropped = append(dropped, ev.EventType) },
	}, sink)

	// One event is held by the stalled sink, the next fills the queue.
	d.Emit(context.Background(), Event{EventType: "e1"})
	d.Emit(context.Background(), Event{EventType: "e2"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Emit(ctx, Event{EventType: "sms_sent"})

	close(sink.release)
	d.Close()

	if d.Dropped() != 1 || len(dropped) != 1 || dropped[0] != "sms_sent" {
		t.Fatalf("unexpected drops %d %v", d.Dropped(), dropped)
	}
	d.Emit(context.Background(), Event{EventType: "after_close"})
	if d.Dropped() != 1 {
		t.Fatal("emit after close must be ignored")
	}
}
