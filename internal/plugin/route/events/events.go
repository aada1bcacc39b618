package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/chirino/truthstore/internal/bus"
	"github.com/chirino/truthstore/internal/security"
)

const (
	heartbeatInterval = 30 * time.Second

	// Per-subscriber buffer. The bus callback runs inside the emitter's
	// critical section and must not block, so a full buffer drops the event.
	subscriberBuffer = 32
)

// MountRoutes mounts the SSE subscription endpoint.
func MountRoutes(g *gin.RouterGroup, eventBus *bus.Bus) {
	g.GET("/events/memories", func(c *gin.Context) { streamMemories(c, eventBus) })
}

func streamMemories(c *gin.Context, eventBus *bus.Bus) {
	projectID := security.ProjectID(c)
	subjectID := c.Query("subject_id")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	// connected is written before the subscription exists, so it always
	// precedes any lifecycle event on this stream.
	writeEvent(c, bus.EventConnected, map[string]interface{}{
		"project_id": projectID,
		"subject_id": subjectID,
		"timestamp":  time.Now(),
	})
	c.Writer.Flush()

	events := make(chan bus.Event, subscriberBuffer)
	unsubscribe := eventBus.Subscribe(projectID, subjectID, func(e bus.Event) {
		select {
		case events <- e:
		default:
			if security.EventsDroppedTotal != nil {
				security.EventsDroppedTotal.Inc()
			}
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			writeEvent(c, e.Type, e)
			c.Writer.Flush()
		case <-heartbeat.C:
			writeEvent(c, bus.EventHeartbeat, map[string]interface{}{"timestamp": time.Now()})
			c.Writer.Flush()
		}
	}
}

func writeEvent(c *gin.Context, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("SSE payload marshal failed", "type", eventType, "err", err)
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data)
}
