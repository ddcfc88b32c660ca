// Package notify delivers operator messages to Telegram. Sending is
// fire-and-forget: failures are logged and never propagate to the caller.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"trade-mirror/pkg/logger"
)

// Notifier sends pre-formatted text to one channel.
type Notifier interface {
	Send(text string)
}

// Telegram posts messages to a single chat via the Bot API.
type Telegram struct {
	client  *resty.Client
	token   string
	chatID  string
	limiter *rate.Limiter
}

// NewTelegram builds a notifier for one chat. Telegram allows roughly one
// message per second per chat, hence the limiter.
func NewTelegram(token, chatID string) *Telegram {
	client := resty.New().
		SetBaseURL("https://api.telegram.org").
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)
	return &Telegram{
		client:  client,
		token:   token,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Send posts one plain-text message. A missing token or chat ID turns the
// notifier into a logger-only sink, matching local/dev runs.
func (t *Telegram) Send(text string) {
	logger.Infof("[notify] %s", text)
	if t == nil || t.token == "" || t.chatID == "" {
		return
	}
	if err := t.limiter.Wait(context.Background()); err != nil {
		return
	}
	resp, err := t.client.R().
		SetBody(map[string]string{"chat_id": t.chatID, "text": text}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		logger.Errorf("telegram send: %v", err)
		return
	}
	if resp.IsError() {
		logger.Errorf("telegram send: status=%d body=%s", resp.StatusCode(), resp.String())
	}
}

// Nop discards every message; used when a channel is not configured.
type Nop struct{}

func (Nop) Send(string) {}
