package tracker

import (
	"strconv"

	"github.com/agaabrieel/swarmclient/pkg/messaging"
)

// eventEmitter publishes session lifecycle events. Publishing never blocks,
// so it is safe to call from the worker.
type eventEmitter struct {
	router  *messaging.Router
	emitter string
	url     string
}

func newEventEmitter(r *messaging.Router, emitter, url string) *eventEmitter {
	return &eventEmitter{router: r, emitter: emitter, url: url}
}

func (e *eventEmitter) fire(action messaging.Action, t messaging.MessageType, data messaging.EventData) {
	if e.router == nil {
		return
	}
	if data == nil {
		data = messaging.EventData{}
	}
	data[messaging.DataEmitter] = e.emitter
	data[messaging.DataURL] = e.url

	e.router.Publish(messaging.Message{
		SourceId:    e.emitter,
		Topic:       messaging.NewTopic(messaging.TrackerManager, messaging.Session, action, messaging.AnyActor),
		PayloadType: t,
		Payload:     data,
	})
}

func (e *eventEmitter) connected(connectionId string) {
	data := messaging.EventData{}
	if connectionId != "" {
		data[messaging.DataConnectionId] = connectionId
	}
	e.fire(messaging.Connected, messaging.TrackerConnected, data)
}

func (e *eventEmitter) connectionFailed(err error) {
	e.fire(messaging.ConnectionFailed, messaging.TrackerConnectionFailed, messaging.EventData{
		messaging.DataMessage: err.Error(),
	})
}

func (e *eventEmitter) announceFailed(err error) {
	e.fire(messaging.AnnounceFailed, messaging.TrackerAnnounceFailed, messaging.EventData{
		messaging.DataMessage: err.Error(),
	})
}

func (e *eventEmitter) disconnected(msg string) {
	e.fire(messaging.Disconnected, messaging.TrackerDisconnected, messaging.EventData{
		messaging.DataMessage: msg,
	})
}

func formatConnectionId(id uint64) string {
	return "0x" + strconv.FormatUint(id, 16)
}
