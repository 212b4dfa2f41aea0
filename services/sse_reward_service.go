package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
)

// StreamRewardStatusSSE pushes the caller's reward status whenever it changes.
func (s *UserService) StreamRewardStatusSSE(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	done := c.Context().Done()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		var last []byte
		push := func() bool {
			status, err := s.RewardStatus(context.Background(), userID)
			if err != nil {
				log.Printf("SSE reward status error for user %s: %v", userID, err)
				return true
			}
			payload, _ := json.Marshal(status)
			if string(payload) == string(last) {
				return true
			}
			last = payload
			fmt.Fprintf(w, "event: reward-status\ndata: %s\n\n", payload)
			// a failed flush means the client went away
			return w.Flush() == nil
		}

		// Initial keepalive (comment event) and snapshot
		w.WriteString(":\n\n")
		if !push() {
			return
		}

		for {
			select {
			case <-ticker.C:
				if !push() {
					return
				}
			case <-done:
				return
			}
		}
	})

	return nil
}
