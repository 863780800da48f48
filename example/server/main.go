package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/convoke-dev/convoke"
	"github.com/convoke-dev/convoke/jwtverify"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	opts, err := convoke.OptionsFromEnv()
	if err != nil {
		logger.Error("bad configuration", "error", err)
		os.Exit(1)
	}

	verifier := jwtverify.New(opts.Secret)

	server := convoke.NewServer(opts)
	server.SetLogger(logger)
	if opts.Secret != "" {
		server.SetVerifier(verifier)
	}

	server.Handle("indexGet", func(ctx *convoke.RequestContext) *convoke.Result {
		return convoke.OK(map[string]any{"service": "convoke example"})
	}, convoke.IgnoreAuth())

	server.Handle("loginPost", func(ctx *convoke.RequestContext) *convoke.Result {
		if ctx.ArgString("username") != "demo" || ctx.ArgString("password") != "demo" {
			return convoke.Fail("login failed")
		}
		token, err := verifier.Sign(map[string]any{"sub": "demo"}, time.Hour)
		if err != nil {
			return convoke.Fail("login failed")
		}
		return convoke.OK(map[string]any{"token": token})
	}, convoke.IgnoreAuth())

	server.Handle("user_infoGet", func(ctx *convoke.RequestContext) *convoke.Result {
		return convoke.OK(map[string]any{"user": ctx.Arg("user")})
	})

	server.Handle("chatSocket", func(ctx *convoke.RequestContext, conn *convoke.Conn) {
		logger.Info("chat connection opened", "conn", conn.ID())
		_ = conn.Emit("welcome", map[string]any{"id": conn.ID()})
	})

	server.Handle("join_roomEvent", func(ctx *convoke.EventContext) *convoke.Result {
		var req struct {
			RoomID string `json:"room_id"`
		}
		if err := ctx.Unmarshal(&req); err != nil || req.RoomID == "" {
			return convoke.Fail("room_id is required")
		}
		return convoke.OK(map[string]any{"room": req.RoomID})
	})

	server.Handle("shoutEvent", func(ctx *convoke.EventContext) *convoke.Result {
		server.Broadcast("shout", ctx.Data())
		return nil
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Mount("/", server)

	logger.Info("listening", "addr", opts.Addr)
	if err := http.ListenAndServe(opts.Addr, router); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
