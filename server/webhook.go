package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"miniapp-relay/metrics"
	"miniapp-relay/pkg/subscription"
	"miniapp-relay/telegram"
)

// secretHeader carries the secret registered with setWebhook.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// webAppSubmission is the JSON the mini-app passes to sendData.
type webAppSubmission struct {
	Email  flexString `json:"email"`
	Source flexString `json:"source"`
}

// handleWebhook answers 200 to every authenticated update, even when handling
// fails, so the platform does not redeliver it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeText(w, http.StatusOK, "ok")
		return
	}

	if s.webhookSecret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			s.logger.Warn("Rejected webhook with bad secret", "ip", r.RemoteAddr)
			metrics.WebhookUpdatesTotal.WithLabelValues("forbidden").Inc()
			writeText(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	if s.messenger == nil {
		s.logger.Error("Webhook called without a bot token configured")
		writeText(w, http.StatusInternalServerError, "bot token missing")
		return
	}

	ctx := context.WithoutCancel(r.Context())

	var update telegram.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&update); err != nil {
		s.logger.Warn("Ignoring unparsable update", "error", err)
		metrics.WebhookUpdatesTotal.WithLabelValues("invalid").Inc()
		writeText(w, http.StatusOK, "ok")
		return
	}

	if err := s.handleUpdate(ctx, &update); err != nil {
		if telegram.IsAPIError(err) {
			// The Bot API refused the reply; another message would fare no better.
			s.logger.Warn("Telegram rejected reply", "update_id", update.UpdateID, "error", err)
			writeText(w, http.StatusOK, "ok")
			return
		}
		s.logger.Error("Failed to handle update", "update_id", update.UpdateID, "error", err)
		if update.Message != nil {
			s.debug(ctx, update.Message.Chat.ID, "error: "+err.Error())
		}
	}

	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleUpdate(ctx context.Context, update *telegram.Update) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	msg := update.Message
	if msg == nil {
		metrics.WebhookUpdatesTotal.WithLabelValues("ignored").Inc()
		return nil
	}

	if msg.WebAppData != nil {
		metrics.WebhookUpdatesTotal.WithLabelValues("web_app_data").Inc()
		return s.handleWebAppData(ctx, msg)
	}

	if msg.Command() == "/start" {
		metrics.WebhookUpdatesTotal.WithLabelValues("start").Inc()
		if err := s.messenger.SendMessage(ctx, telegram.StartMessage(msg.Chat.ID, s.webAppURL)); err != nil {
			return fmt.Errorf("send start message: %w", err)
		}
		return nil
	}

	metrics.WebhookUpdatesTotal.WithLabelValues("ignored").Inc()
	return nil
}

func (s *Server) handleWebAppData(ctx context.Context, msg *telegram.Message) error {
	chatID := msg.Chat.ID

	var sub webAppSubmission
	if err := json.Unmarshal([]byte(msg.WebAppData.Data), &sub); err != nil {
		s.logger.Info("Unparsable mini-app data", "chat_id", chatID, "error", err)
	}

	var userID, username string
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
		username = msg.From.Username
	}

	rec, err := subscription.NewRecord(subscription.Fields{
		Email:            string(sub.Email),
		ExternalUserID:   userID,
		ExternalUsername: username,
		Source:           string(sub.Source),
		SharedSecret:     s.sheetsSecret,
	}, subscription.SourceChat, s.now())
	if err != nil {
		if err := s.messenger.SendMessage(ctx, telegram.RetryEmailMessage(chatID)); err != nil {
			return fmt.Errorf("send retry message: %w", err)
		}
		return nil
	}

	var diagnostic string
	if s.deliverer == nil {
		s.logger.Error("No spreadsheet endpoint configured", rec.LogAttrs()...)
		diagnostic = "SHEETS_URL missing"
	} else if outcome := s.deliverer.Deliver(ctx, rec); !outcome.OK() {
		diagnostic = outcome.Diagnostic()
	}

	// The user is thanked either way; failed records stay recoverable from the logs.
	if !s.debugToChat {
		diagnostic = ""
	}
	if err := s.messenger.SendMessage(ctx, telegram.ConfirmationMessage(chatID, rec.Email(), diagnostic)); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	return nil
}

// debug sends text to the chat when debug output is enabled.
func (s *Server) debug(ctx context.Context, chatID int64, text string) {
	if !s.debugToChat || chatID == 0 {
		return
	}
	msg := &telegram.OutgoingMessage{ChatID: chatID, Text: "[debug] " + strings.TrimSpace(text)}
	if err := s.messenger.SendMessage(ctx, msg); err != nil {
		s.logger.Warn("Failed to send debug message", "chat_id", chatID, "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}
