package http

import (
	"bufio"
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/opentill/opentill/internal/events"
)

// StreamHandler serves real-time event streams over SSE
type StreamHandler struct {
	bus *events.Bus
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(bus *events.Bus) *StreamHandler {
	return &StreamHandler{bus: bus}
}

// resolveTopic maps the URL scope to a bus topic name. The id query param
// narrows restaurant/branch/table scopes.
func resolveTopic(scope, id string) (string, bool) {
	switch scope {
	case "orders":
		return events.TopicOrders, true
	case "restaurant":
		if id == "" {
			return "", false
		}
		return events.TopicRestaurant(id), true
	case "branch":
		if id == "" {
			return "", false
		}
		return events.TopicBranch(id), true
	case "table":
		if id == "" {
			return "", false
		}
		return events.TopicTable(id), true
	}
	return "", false
}

// Events streams topic events as Server-Sent Events
// GET /api/stream/:topic?id=<scope-id>
func (h *StreamHandler) Events(c *fiber.Ctx) error {
	topic, ok := resolveTopic(c.Params("topic"), c.Query("id"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unknown topic",
		})
	}

	// Set headers for SSE
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	ctx, cancel := context.WithCancel(context.Background())

	subscriberID := uuid.New().String()
	eventChan := h.bus.Subscribe(ctx, topic, subscriberID)

	// Stream events
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		// Initial connection message
		if _, err := w.Write([]byte("event: connected\ndata: {\"topic\":\"" + topic + "\"}\n\n")); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}

		// Heartbeat keeps proxies from closing the idle stream
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-eventChan:
				if !ok {
					return
				}

				sseData, err := events.FormatSSE(event)
				if err != nil {
					slog.Warn("failed to format SSE event", "error", err)
					continue
				}

				if _, err := w.Write([]byte(sseData)); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}

			case <-ticker.C:
				if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}
