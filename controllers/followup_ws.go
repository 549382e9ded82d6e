package controller

import (
	"log"

	"touchbase/worker"

	"github.com/gofiber/websocket/v2"
)

// HandleFollowUpEvents streams sweep events (sends, cancellations,
// completions) to the client until it disconnects.
func HandleFollowUpEvents(hub *worker.EventHub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		events, cancel := hub.Subscribe()
		defer cancel()

		for event := range events {
			if err := c.WriteJSON(event); err != nil {
				log.Printf("Error writing follow-up event: %v", err)
				return
			}
		}
	}
}
