package notifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type failingNotifier struct{ calls int }

func (f *failingNotifier) SendText(string) error {
	f.calls++
	return errors.New("network down")
}

func TestSendSwallowsErrors(t *testing.T) {
	n := &failingNotifier{}
	assert.NotPanics(t, func() { Send(n, "hello") })
	assert.Equal(t, 1, n.calls)
	assert.NotPanics(t, func() { Send(nil, "hello") })
}

func TestTelegramRequiresCredentials(t *testing.T) {
	tg := NewTelegram("", "")
	assert.Error(t, tg.SendText("x"))
}

func TestCycleSummaryString(t *testing.T) {
	s := CycleSummary{
		Day:     "2025-06-02",
		Window:  "trading",
		Filled:  2,
		Skipped: 1,
		Equity:  "1010.00",
		Cash:    "500.00",
		Tripped: true,
	}
	out := s.String()
	assert.Contains(t, out, "2025-06-02 trading")
	assert.Contains(t, out, "filled=2 rejected=0 skipped=1")
	assert.Contains(t, out, "equity=1010.00")
	assert.Contains(t, out, "circuit breaker TRIPPED")
}
