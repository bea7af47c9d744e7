package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/worksite/internal/project/liveupdates"
)

// StreamProjectUpdates pushes snapshot change notices of one project as
// server-sent events until the client leaves or the engine closes.
func (s *Server) StreamProjectUpdates(c *gin.Context) {
	if s.hub == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	engine, ok := s.openEngine(c)
	if !ok {
		return
	}

	subscription, backlog, err := engine.Subscribe()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	for _, update := range backlog {
		if err := writeProjectUpdate(writer, update); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update, open := <-subscription.Updates():
			if !open {
				return
			}
			if err := writeProjectUpdate(writer, update); err != nil {
				return
			}
			flusher.Flush()
			if update.Reason == liveupdates.ReasonClosed {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeProjectUpdate(w io.Writer, update liveupdates.Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", update.Seq, update.Reason, data)
	return err
}
