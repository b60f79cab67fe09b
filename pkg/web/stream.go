package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/conduit/pkg/log"
	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"
)

const keepAliveInterval = 15 * time.Second

// StreamExecutionEvents writes the status events of an execution as server-sent events.
// The stream ends after the execution finishes or when the client goes away.
func (h *APIHandlers) StreamExecutionEvents(c fiber.Ctx) error {
	executionID := c.Params("id")

	// The stream writer outlives the handler, so it cannot use the request context.
	ctx, cancel := context.WithCancel(context.Background())

	events, err := h.executionService.Events(ctx, executionID)
	if err != nil {
		cancel()

		return handleServiceError(c, err)
	}

	logger := log.WithModule("web").WithField("execution_id", executionID)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	var write fasthttp.StreamWriter = func(w *bufio.Writer) {
		defer cancel()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}

				payload, err := json.Marshal(event)
				if err != nil {
					logger.WithError(err).Warn("Failed to encode execution event")

					continue
				}

				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
			}

			if err := w.Flush(); err != nil {
				logger.Debug("Event stream client disconnected")

				return
			}
		}
	}

	c.RequestCtx().SetBodyStreamWriter(write)

	return nil
}
