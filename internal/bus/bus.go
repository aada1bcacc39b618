// Package bus is an in-process pub/sub for memory lifecycle events, keyed by
// (project_id, subject_id). It is intentionally process-local: the
// Emit/Subscribe surface is the exact boundary at which an external transport
// would be substituted for horizontal scale.
package bus

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Event types published by the orchestrators and the SSE adapter.
const (
	EventMemoryCreated    = "memory.created"
	EventMemorySuperseded = "memory.superseded"
	EventMemoryUpdated    = "memory.updated"
	EventMemoryDeleted    = "memory.deleted"
	EventConnected        = "connected"
	EventHeartbeat        = "heartbeat"
)

// Wildcard is the subject key for project-wide subscriptions.
const Wildcard = "*"

// Event is one lifecycle event.
type Event struct {
	Type      string                 `json:"type"`
	ProjectID string                 `json:"project_id"`
	SubjectID string                 `json:"subject_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Callback receives events for a subscription. Callbacks run inside the
// emitting caller's critical section and must not block.
type Callback func(Event)

type topicKey struct {
	project string
	subject string
}

// Bus dispatches events to subscribers registered on exact
// (project, subject) topics and on project-wide wildcards.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[topicKey]map[int]Callback
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: map[topicKey]map[int]Callback{}}
}

// Subscribe registers cb for events on (project, subject). An empty subject
// subscribes project-wide. The returned unsubscribe function is idempotent.
func (b *Bus) Subscribe(projectID, subjectID string, cb Callback) func() {
	if subjectID == "" {
		subjectID = Wildcard
	}
	key := topicKey{project: projectID, subject: subjectID}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[key] == nil {
		b.subs[key] = map[int]Callback{}
	}
	b.subs[key][id] = cb
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[key]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, key)
				}
			}
		})
	}
}

// Emit constructs an event and dispatches it to subscribers registered with
// the exact subject and to project-wide subscribers. A panicking callback
// does not halt fan-out to the others.
func (b *Bus) Emit(projectID, subjectID, eventType string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		ProjectID: projectID,
		SubjectID: subjectID,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if subjectID != "" {
		b.dispatchLocked(topicKey{project: projectID, subject: subjectID}, event)
	}
	b.dispatchLocked(topicKey{project: projectID, subject: Wildcard}, event)
}

func (b *Bus) dispatchLocked(key topicKey, event Event) {
	for _, cb := range b.subs[key] {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("event bus subscriber panicked", "type", event.Type, "err", r)
				}
			}()
			cb(event)
		}()
	}
}
