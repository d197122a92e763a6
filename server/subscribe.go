package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"miniapp-relay/pkg/subscription"
)

const subscribeHandler = "subscribe"

// flexString accepts a JSON string, number or null. The mini-app sends
// tg_user_id as whichever the platform SDK hands it.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*f = flexString(n.String())
		return nil
	}
}

type subscribeRequest struct {
	Email      flexString `json:"email"`
	TgUserID   flexString `json:"tg_user_id"`
	TgUsername flexString `json:"tg_username"`
	Source     flexString `json:"source"`
}

type healthcheckResponse struct {
	OK      bool            `json:"ok"`
	Expects string          `json:"expects"`
	HasEnv  map[string]bool `json:"has_env"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		setCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
		s.writeJSON(w, subscribeHandler, http.StatusOK, healthcheckResponse{
			OK:      true,
			Expects: http.MethodPost,
			HasEnv:  s.hasEnv,
		})
		return
	case http.MethodPost:
	default:
		s.writeError(w, subscribeHandler, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, subscribeHandler, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		s.logger.Info("Rejected subscription with bad JSON", "ip", r.RemoteAddr, "error", err)
		s.writeError(w, subscribeHandler, http.StatusBadRequest, "bad json")
		return
	}

	rec, err := subscription.NewRecord(subscription.Fields{
		Email:            string(req.Email),
		ExternalUserID:   string(req.TgUserID),
		ExternalUsername: string(req.TgUsername),
		Source:           string(req.Source),
		SharedSecret:     s.sheetsSecret,
	}, subscription.SourceMiniApp, s.now())
	if errors.Is(err, subscription.ErrEmailRequired) {
		s.writeError(w, subscribeHandler, http.StatusBadRequest, "email required")
		return
	}
	if err != nil {
		s.logger.Error("Failed to build record", "error", err)
		s.writeError(w, subscribeHandler, http.StatusBadRequest, err.Error())
		return
	}

	if s.deliverer == nil {
		s.logger.Error("No spreadsheet endpoint configured")
		s.writeError(w, subscribeHandler, http.StatusInternalServerError, "SHEETS_URL missing")
		return
	}

	// A client hanging up must not abort a chain that may already have written the row.
	outcome := s.deliverer.Deliver(context.WithoutCancel(r.Context()), rec)
	if !outcome.OK() {
		s.writeError(w, subscribeHandler, http.StatusBadGateway, outcome.Diagnostic())
		return
	}

	s.writeJSON(w, subscribeHandler, http.StatusOK, map[string]bool{"ok": true})
}
