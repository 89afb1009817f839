package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vdev/internal/device"
)

var (
	// ErrNotConnected is returned when publishing on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")
	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")
)

// Publisher defines the event surface exposed to the daemon.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Event is the wire form of a committed request.
type Event struct {
	Action    string            `json:"action"`
	Path      string            `json:"path"`
	Dev       string            `json:"dev"`
	Mode      string            `json:"mode,omitempty"`
	Instance  string            `json:"instance"`
	Params    map[string]string `json:"params,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventFromRequest builds the event for a committed request.
func EventFromRequest(req *device.Request, instance string) Event {
	return Event{
		Action:    string(req.Kind),
		Path:      req.Path,
		Dev:       req.Dev.String(),
		Mode:      string(req.Mode),
		Instance:  instance,
		Params:    req.Params,
		Timestamp: time.Now().UTC(),
	}
}

// Topic returns the topic for event under prefix. MQTT wildcard characters in the
// device path are replaced.
func Topic(prefix string, event Event) string {
	path := strings.NewReplacer("+", "_", "#", "_").Replace(event.Path)
	return fmt.Sprintf("%s/%s/%s", strings.Trim(prefix, "/"), event.Action, path)
}

func (e Event) payload() ([]byte, error) {
	return json.Marshal(e)
}

// noopPublisher discards events.
type noopPublisher struct{}

// NewNoop returns a publisher that discards events.
func NewNoop() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, Event) error { return nil }

func (noopPublisher) Close() error { return nil }
