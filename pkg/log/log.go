package log

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/agaabrieel/swarmclient/pkg/messaging"
)

const componentId = "logger"

// Logger writes one line for every message published on the bus.
type Logger struct {
	id     string
	router *messaging.Router
	recvCh <-chan messaging.Message
	sub    *messaging.Subscription
	*log.Logger
}

func NewLogger(w io.Writer, r *messaging.Router) (*Logger, error) {
	ch := make(chan messaging.Message, 1024)
	if err := r.RegisterComponent(componentId, ch); err != nil {
		return nil, err
	}

	return &Logger{
		id:     componentId,
		router: r,
		recvCh: ch,
		sub:    r.SubscribeChan(messaging.NewTopic(messaging.AnyActor, messaging.AnyObject, messaging.AnyAction, messaging.AnyActor), ch),
		Logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

func (l *Logger) Run(ctx context.Context) error {
	defer l.router.UnregisterComponent(l.id)
	defer l.sub.Close()

	for {
		select {
		case msg := <-l.recvCh:
			l.Print(format(msg))
		case <-ctx.Done():
			return nil
		}
	}
}

func format(msg messaging.Message) string {
	switch payload := msg.Payload.(type) {
	case messaging.EventData:
		line := fmt.Sprintf("%s from %s %s", msg.Topic, msg.SourceId, payload.String(messaging.DataURL))
		if m := payload.String(messaging.DataMessage); m != "" {
			line += ": " + m
		}
		if id := payload.String(messaging.DataConnectionId); id != "" {
			line += " (connection id " + id + ")"
		}
		return line
	case messaging.PeersDiscoveredPayload:
		return fmt.Sprintf("%s from %s: %d peers via %s, next announce in %v", msg.Topic, msg.SourceId, len(payload.Addrs), payload.Tracker, payload.Interval)
	default:
		return fmt.Sprintf("%s %v from %s: %+v", msg.Topic, msg.PayloadType, msg.SourceId, msg.Payload)
	}
}
