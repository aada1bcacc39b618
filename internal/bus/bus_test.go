package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitToExactSubject(t *testing.T) {
	b := New()

	var got []Event
	unsub := b.Subscribe("p1", "alice", func(e Event) { got = append(got, e) })
	defer unsub()

	b.Emit("p1", "alice", EventMemoryCreated, map[string]interface{}{"id": "mem_1"})
	b.Emit("p1", "bob", EventMemoryCreated, map[string]interface{}{"id": "mem_2"})
	b.Emit("p2", "alice", EventMemoryCreated, map[string]interface{}{"id": "mem_3"})

	require.Len(t, got, 1)
	assert.Equal(t, EventMemoryCreated, got[0].Type)
	assert.Equal(t, "p1", got[0].ProjectID)
	assert.Equal(t, "alice", got[0].SubjectID)
	assert.Equal(t, "mem_1", got[0].Data["id"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestWildcardReceivesAllSubjects(t *testing.T) {
	b := New()

	var got []Event
	unsub := b.Subscribe("p1", "", func(e Event) { got = append(got, e) })
	defer unsub()

	b.Emit("p1", "alice", EventMemoryCreated, nil)
	b.Emit("p1", "bob", EventMemoryDeleted, nil)
	b.Emit("p2", "alice", EventMemoryCreated, nil)

	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].SubjectID)
	assert.Equal(t, "bob", got[1].SubjectID)
}

func TestExactAndWildcardBothReceive(t *testing.T) {
	b := New()

	exact, wild := 0, 0
	defer b.Subscribe("p1", "alice", func(Event) { exact++ })()
	defer b.Subscribe("p1", "", func(Event) { wild++ })()

	b.Emit("p1", "alice", EventMemoryUpdated, nil)

	assert.Equal(t, 1, exact)
	assert.Equal(t, 1, wild)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()

	count := 0
	unsub := b.Subscribe("p1", "alice", func(Event) { count++ })

	b.Emit("p1", "alice", EventMemoryCreated, nil)
	unsub()
	unsub()
	b.Emit("p1", "alice", EventMemoryCreated, nil)

	assert.Equal(t, 1, count)
}

func TestPanickingSubscriberDoesNotHaltFanout(t *testing.T) {
	b := New()

	delivered := 0
	defer b.Subscribe("p1", "", func(Event) { panic("boom") })()
	defer b.Subscribe("p1", "", func(Event) { delivered++ })()
	defer b.Subscribe("p1", "alice", func(Event) { delivered++ })()

	assert.NotPanics(t, func() {
		b.Emit("p1", "alice", EventMemoryCreated, nil)
	})
	assert.Equal(t, 2, delivered)
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := New()

	var types []string
	defer b.Subscribe("p1", "alice", func(e Event) { types = append(types, e.Type) })()

	b.Emit("p1", "alice", EventMemoryCreated, nil)
	b.Emit("p1", "alice", EventMemorySuperseded, nil)
	b.Emit("p1", "alice", EventMemoryDeleted, nil)

	assert.Equal(t, []string{EventMemoryCreated, EventMemorySuperseded, EventMemoryDeleted}, types)
}
