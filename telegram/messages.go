package telegram

import (
	"fmt"
	"strings"
)

const (
	startText = "Hi! Tap the button below to leave your email and get pickleball updates."
	// StartButtonLabel is the label of the keyboard button that opens the mini-app.
	StartButtonLabel = "Subscribe"
	retryText        = "Sorry, we could not read your email. Please open the form and try again."
	confirmTemplate  = "Thanks! We'll send updates to %s."
)

// StartMessage greets the user. With a mini-app URL it carries the keyboard
// button that opens it; without one it is plain text.
func StartMessage(chatID int64, webAppURL string) *OutgoingMessage {
	msg := &OutgoingMessage{ChatID: chatID, Text: startText}
	if webAppURL != "" {
		msg.ReplyMarkup = WebAppKeyboard(StartButtonLabel, webAppURL)
	}
	return msg
}

// RetryEmailMessage asks the user to submit the form again.
func RetryEmailMessage(chatID int64) *OutgoingMessage {
	return &OutgoingMessage{ChatID: chatID, Text: retryText}
}

// ConfirmationMessage thanks the user for subscribing. A non-empty diagnostic
// is appended for operators debugging the relay from chat.
func ConfirmationMessage(chatID int64, email, diagnostic string) *OutgoingMessage {
	var b strings.Builder
	fmt.Fprintf(&b, confirmTemplate, email)
	if diagnostic != "" {
		b.WriteString("\n\n[debug] ")
		b.WriteString(diagnostic)
	}
	return &OutgoingMessage{ChatID: chatID, Text: b.String()}
}
