package handler

import (
	"log/slog"
	"net/http"

	"miniapp-relay/app"
)

var lazy app.Lazy

// Handler is the serverless entry for the mini-app subscription intake.
func Handler(w http.ResponseWriter, r *http.Request) {
	srv, err := lazy.Get()
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	srv.SubscribeHandler().ServeHTTP(w, r)
}
