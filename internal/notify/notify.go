// Package notify pushes operational alerts to the operator.
package notify

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Notifier delivers a short text message. Implementations must not block
// the trading path for long; failures are logged, not returned.
type Notifier interface {
	Send(text string)
}

// Nop discards all messages.
type Nop struct{}

func (Nop) Send(string) {}

// Telegram sends messages through the bot sendMessage endpoint.
type Telegram struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegram returns a Telegram notifier, or Nop when credentials are
// missing so callers never need a nil check.
func NewTelegram(token, chatID string) Notifier {
	if token == "" || chatID == "" {
		return Nop{}
	}
	return &Telegram{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Send(text string) {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	resp, err := t.client.PostForm(endpoint, url.Values{
		"chat_id": {t.chatID},
		"text":    {text},
	})
	if err != nil {
		log.Printf("[notify] telegram send failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("[notify] telegram send returned status %d", resp.StatusCode)
	}
}
