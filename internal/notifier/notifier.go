// Package notifier pushes trade-cycle summaries and risk alerts to a
// Telegram chat. Delivery is best effort: a failed send is logged and
// never fails the cycle that produced it.
package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"alphapilot/internal/logger"
)

type Notifier interface {
	SendText(text string) error
}

// Nop discards every message. Used when telegram is disabled.
type Nop struct{}

func (Nop) SendText(string) error { return nil }

type Telegram struct {
	client   *resty.Client
	botToken string
	chatID   string
}

func NewTelegram(botToken, chatID string) *Telegram {
	client := resty.New().
		SetBaseURL("https://api.telegram.org").
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second)
	return &Telegram{client: client, botToken: botToken, chatID: chatID}
}

func (t *Telegram) SendText(text string) error {
	if t.botToken == "" || t.chatID == "" {
		return fmt.Errorf("telegram bot_token/chat_id not configured")
	}
	resp, err := t.client.R().
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.botToken))
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	if resp.StatusCode()/100 != 2 {
		return fmt.Errorf("telegram status=%d", resp.StatusCode())
	}
	return nil
}

// Send logs instead of returning the error, so call sites stay
// one-liners on the hot path.
func Send(n Notifier, text string) {
	if n == nil {
		return
	}
	if err := n.SendText(text); err != nil {
		logger.Warnf("notifier: send failed: %v", err)
	}
}

// CycleSummary renders the settled-cycle message.
type CycleSummary struct {
	Day       string
	Window    string
	Filled    int
	Rejected  int
	Skipped   int
	Equity    string
	Cash      string
	Tripped   bool
	Providers string
}

func (s CycleSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Cycle settled* %s %s\n", s.Day, s.Window)
	fmt.Fprintf(&b, "filled=%d rejected=%d skipped=%d\n", s.Filled, s.Rejected, s.Skipped)
	fmt.Fprintf(&b, "equity=%s cash=%s\n", s.Equity, s.Cash)
	if s.Providers != "" {
		fmt.Fprintf(&b, "decision=%s\n", s.Providers)
	}
	if s.Tripped {
		b.WriteString("⚠️ circuit breaker TRIPPED: buys halted for the day\n")
	}
	return b.String()
}
