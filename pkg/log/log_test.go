package log

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agaabrieel/swarmclient/pkg/messaging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoggerWritesBusMessages(t *testing.T) {
	r := messaging.NewRouter()
	var out syncBuffer
	l, err := NewLogger(&out, r)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewLogger(&out, r); err == nil {
		t.Error("expect a second logger on the same router to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	r.Publish(messaging.Message{
		SourceId:    "session-1",
		Topic:       messaging.NewTopic(messaging.TrackerManager, messaging.Session, messaging.Connected, messaging.AnyActor),
		PayloadType: messaging.TrackerConnected,
		Payload: messaging.EventData{
			messaging.DataURL:          "udp://tracker.example:1337",
			messaging.DataConnectionId: "0xfeed",
		},
	})

	deadline := time.Now().Add(time.Second)
	for !strings.Contains(out.String(), "(connection id 0xfeed)") {
		if time.Now().After(deadline) {
			t.Fatalf("message not logged, got %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	line := out.String()
	if !strings.Contains(line, "tracker.session.connected.* from session-1 udp://tracker.example:1337") {
		t.Errorf("unexpected log line %q", line)
	}
}

func TestLoggerUnregistersOnExit(t *testing.T) {
	r := messaging.NewRouter()
	l, err := NewLogger(&syncBuffer{}, r)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := NewLogger(&syncBuffer{}, r); err != nil {
		t.Errorf("expect the logger id to be free again, but got %v", err)
	}
}
