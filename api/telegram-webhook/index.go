package handler

import (
	"log/slog"
	"net/http"

	"miniapp-relay/app"
)

var lazy app.Lazy

// Handler is the serverless entry for the Telegram webhook.
func Handler(w http.ResponseWriter, r *http.Request) {
	srv, err := lazy.Get()
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	srv.WebhookHandler().ServeHTTP(w, r)
}
