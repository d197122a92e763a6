// Package telegram talks to the Telegram Bot API: the update model the webhook
// receives and a client for sending chat messages.
package telegram

import "strings"

// Update is the webhook envelope. Only message updates are handled.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID  int64       `json:"message_id"`
	From       *User       `json:"from,omitempty"`
	Chat       Chat        `json:"chat"`
	Date       int64       `json:"date"`
	Text       string      `json:"text,omitempty"`
	WebAppData *WebAppData `json:"web_app_data,omitempty"`
}

// User is the sender of a message.
type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Chat identifies where a message was sent.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// WebAppData is the payload a mini-app posts back through Telegram.WebApp.sendData.
type WebAppData struct {
	Data       string `json:"data"` // JSON string produced by the mini-app
	ButtonText string `json:"button_text"`
}

// Command returns the bot command in the message text, e.g. "/start" for
// "/start", "/start ref42" or "/start@pickle_bot". It is "" for plain text.
func (m *Message) Command() string {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}

	cmd := strings.Fields(text)[0]
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

// OutgoingMessage is the sendMessage request body.
type OutgoingMessage struct {
	ChatID      int64  `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup any    `json:"reply_markup,omitempty"`
}

// ReplyKeyboardMarkup is a custom keyboard shown under the input field.
// Only keyboard buttons (not inline ones) deliver web_app_data back to the bot.
type ReplyKeyboardMarkup struct {
	Keyboard        [][]KeyboardButton `json:"keyboard"`
	ResizeKeyboard  bool               `json:"resize_keyboard,omitempty"`
	OneTimeKeyboard bool               `json:"one_time_keyboard,omitempty"`
}

// KeyboardButton is one keyboard button; WebApp makes it open a mini-app.
type KeyboardButton struct {
	Text   string      `json:"text"`
	WebApp *WebAppInfo `json:"web_app,omitempty"`
}

// WebAppInfo points a button at a mini-app.
type WebAppInfo struct {
	URL string `json:"url"`
}

// WebAppKeyboard builds a single-button keyboard that opens the mini-app at url.
func WebAppKeyboard(label, url string) *ReplyKeyboardMarkup {
	return &ReplyKeyboardMarkup{
		Keyboard: [][]KeyboardButton{
			{{Text: label, WebApp: &WebAppInfo{URL: url}}},
		},
		ResizeKeyboard: true,
	}
}
