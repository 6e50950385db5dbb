package bus

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrClosed        = errors.New("bus: connection closed")
	ErrNotSubscribed = errors.New("bus: topic not subscribed")
)

// Handler receives one published payload for a subscribed topic.
// All handlers for one connection are invoked from a single delivery
// goroutine, in publication order. A handler must not block.
type Handler func(topic string, payload []byte)

// Bus is the pub/sub transport boundary shared by manager and client roles.
//
// Subscribe binds at most one handler per topic; the connection owner routes
// commands to sub-components itself. OnConnected registers an edge-triggered
// callback invoked exactly once when the connection is first established,
// never again on transport-level reconnects.
type Bus interface {
	TopicPath() string
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) error
	Unsubscribe(topic string) error
	OnConnected(fn func())
	Close() error
}

// ServiceTopic derives a process-unique topic path identity.
// Scheme: <namespace>/<host>/<pid>.
func ServiceTopic(namespace string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host = strings.ReplaceAll(host, "/", "_")
	return fmt.Sprintf("%s/%s/%d", namespace, host, os.Getpid())
}

// ControlTopic is the control inbox of a service.
func ControlTopic(topicPath string) string {
	return topicPath + "/control"
}

// OutTopic carries a service's published state deltas.
func OutTopic(topicPath string) string {
	return topicPath + "/out"
}

// RegistrarTopic is the shared discovery channel of a namespace.
func RegistrarTopic(namespace string) string {
	return namespace + "/registrar"
}

// Namespace returns the leading topic-path segment.
func Namespace(topicPath string) string {
	if i := strings.IndexByte(topicPath, '/'); i > 0 {
		return topicPath[:i]
	}
	return topicPath
}
