package transport

import (
	"encoding/json"
	"strings"
)

// User is a Bot API user
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// DisplayName is the name shown to other users
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Chat is a Bot API chat
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// Message is the subset of a Bot API message the bot looks at.
// Media payloads are kept raw; only their presence matters.
type Message struct {
	MessageID int64           `json:"message_id"`
	From      *User           `json:"from,omitempty"`
	Chat      Chat            `json:"chat"`
	Date      int64           `json:"date"`
	Text      string          `json:"text,omitempty"`
	Document  json.RawMessage `json:"document,omitempty"`
	Video     json.RawMessage `json:"video,omitempty"`
	Audio     json.RawMessage `json:"audio,omitempty"`
	Photo     json.RawMessage `json:"photo,omitempty"`
}

// HasMedia reports whether the message carries a document, video, audio or photo
func (m *Message) HasMedia() bool {
	return len(m.Document) > 0 || len(m.Video) > 0 || len(m.Audio) > 0 || len(m.Photo) > 0
}

// Command splits "/start payload" into ("start", "payload").
// A "@botname" suffix on the command is dropped. Non-commands return "", "".
func (m *Message) Command() (string, string) {
	if !strings.HasPrefix(m.Text, "/") {
		return "", ""
	}
	fields := strings.Fields(m.Text)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := strings.TrimSpace(strings.TrimPrefix(m.Text, fields[0]))
	return name, args
}

// CallbackQuery is a press on an inline keyboard button
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// Update is one entry returned by getUpdates
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// InlineKeyboardButton is either a URL button or a callback button
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InlineKeyboardMarkup is a keyboard attached to a message
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// Keyboard builds a markup with one button per row
func Keyboard(buttons ...InlineKeyboardButton) *InlineKeyboardMarkup {
	rows := make([][]InlineKeyboardButton, len(buttons))
	for i, b := range buttons {
		rows[i] = []InlineKeyboardButton{b}
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

// ChatMember is the membership record returned by getChatMember
type ChatMember struct {
	Status   string `json:"status"`
	User     User   `json:"user"`
	IsMember bool   `json:"is_member,omitempty"`
}

// Member reports whether the status counts as belonging to the chat
func (cm ChatMember) Member() bool {
	switch cm.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return cm.IsMember
	default:
		return false
	}
}

type messageIDResult struct {
	MessageID int64 `json:"message_id"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

type apiResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}
