package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/session"
)

// heartbeatInterval keeps idle SSE connections open through proxies.
const heartbeatInterval = 15 * time.Second

// handleSSE streams the session list on every change. Changes that arrive
// while a write is in flight collapse into the latest list.
func handleSSE(a *api) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		updates := make(chan []session.Session, 1)
		cancel := a.runner.OnSessionsChanged(func(list []session.Session) {
			for {
				select {
				case updates <- list:
					return
				default:
				}
				// Drop the stale pending list.
				select {
				case <-updates:
				default:
				}
			}
		})
		defer cancel()

		writeSSE(c.Writer, "sessions", SessionList(a.db, a.store.List(), a.store.Current()))
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case list := <-updates:
				writeSSE(c.Writer, "sessions", SessionList(a.db, list, a.store.Current()))
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
