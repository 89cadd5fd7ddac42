package messaging

import (
	"fmt"
	"strings"
)

// message topics follow the format source.object.action.destination
// wildcard * for any individual segment

type Actor string
type Object string
type Action string

const (
	TrackerManager Actor = "tracker"
	ClientManager  Actor = "client"
	RouterActor    Actor = "router"
	AnyActor       Actor = "*"
)

const (
	Session   Object = "session"
	Peer      Object = "peer"
	AnyObject Object = "*"
)

const (
	Connected        Action = "connected"
	ConnectionFailed Action = "connection_failed"
	AnnounceFailed   Action = "announce_failed"
	Disconnected     Action = "disconnected"
	Discovered       Action = "discovered"
	Dropped          Action = "dropped"
	AnyAction        Action = "*"
)

func NewTopic(source Actor, obj Object, action Action, destination Actor) string {
	return fmt.Sprintf("%s.%s.%s.%s", source, obj, action, destination)
}

func MatchTopic(pattern, topic string) bool {
	patternSegments := strings.Split(pattern, ".")
	topicSegments := strings.Split(topic, ".")

	if len(patternSegments) != len(topicSegments) {
		return false
	}

	for idx, patternSegment := range patternSegments {
		if patternSegment == "*" || patternSegment == topicSegments[idx] {
			continue
		}
		return false
	}
	return true
}
