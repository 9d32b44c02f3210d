// Package notify delivers rendered alert text to operator channels. The
// production sender talks to the Telegram Bot API; the Sender interface keeps
// the alert router testable without network access.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"binance-monitor/internal/config"
)

// ErrTransient marks delivery failures worth retrying: rate limits, server
// errors and transport trouble. Anything else is permanent.
var ErrTransient = errors.New("transient delivery failure")

// Channel addresses one destination: a chat, optionally a forum thread
// within it. ThreadID 0 means the chat's main timeline.
type Channel struct {
	ChatID   int64
	ThreadID int64
}

// Sender delivers one rendered message to one channel.
type Sender interface {
	Send(ctx context.Context, ch Channel, text string) error
	Name() string
}

// Telegram sends messages via the Bot API sendMessage method. Retry policy
// lives in the caller, so the underlying client does not retry on its own.
type Telegram struct {
	client *resty.Client
	path   string
	logger *slog.Logger
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

func NewTelegram(cfg config.SinkConfig, logger *slog.Logger) *Telegram {
	client := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Telegram{
		client: client,
		path:   fmt.Sprintf("/bot%s/sendMessage", cfg.Token),
		logger: logger.With("component", "telegram"),
	}
}

// Send posts text to the channel as Markdown. Forum topics are addressed via
// message_thread_id, which is omitted for plain chats.
func (t *Telegram) Send(ctx context.Context, ch Channel, text string) error {
	body := map[string]any{
		"chat_id":                  ch.ChatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	}
	if ch.ThreadID != 0 {
		body["message_thread_id"] = ch.ThreadID
	}

	var apiResp telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&apiResp).
		SetError(&apiResp).
		Post(t.path)
	if err != nil {
		return fmt.Errorf("telegram: %w: %v", ErrTransient, err)
	}

	switch {
	case resp.IsSuccess():
		t.logger.Debug("message sent", "chat", ch.ChatID, "thread", ch.ThreadID, "len", len(text))
		return nil
	case resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500:
		return fmt.Errorf("telegram: %w: status %d: %s", ErrTransient, resp.StatusCode(), apiResp.Description)
	default:
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), apiResp.Description)
	}
}

func (t *Telegram) Name() string {
	return "telegram"
}
