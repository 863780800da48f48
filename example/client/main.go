package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/convoke-dev/convoke/client"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	url := os.Getenv("CONVOKE_URL")
	if url == "" {
		url = "ws://localhost:8080/chat"
	}

	hub := client.New("example", url, client.WithLogger(logger))

	hub.On("welcome", func(data json.RawMessage) {
		logger.Info("welcome", "data", string(data))
	})
	hub.On("shout", func(data json.RawMessage) {
		logger.Info("shout", "data", string(data))
	})

	hub.AddStatusListener(func(connected bool, err error) {
		if connected {
			logger.Info("connected")
			// Status listeners run on the hub's connection loop; request
			// from another goroutine so the reply can be read.
			go func() {
				reply, err := hub.EmitWithTimeout("join_room", map[string]any{"room_id": "general"}, 5*time.Second)
				if err != nil {
					logger.Error("join_room failed", "error", err)
					return
				}
				logger.Info("joined", "reply", string(reply))
			}()
		} else {
			logger.Warn("disconnected", "error", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := hub.Run(ctx); err != nil {
		logger.Error("hub stopped", "error", err)
	}
}
