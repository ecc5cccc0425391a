package daemon

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const sseKeepAlive = 15 * time.Second

// streamEvents sends hub events to the client as server-sent events until
// the client goes away or the daemon shuts down.
func streamEvents(c *gin.Context) {
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-shutdownCh:
			return false
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data)
			return err == nil
		}
	})
}
