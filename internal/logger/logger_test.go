package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	})
	return &buf
}

func TestInfowEmitsKeyValuePairs(t *testing.T) {
	buf := capture(t)

	Infow("order submitted", "symbol", "AAPL", "qty", 7)

	out := buf.String()
	assert.Contains(t, out, "order submitted")
	assert.Contains(t, out, "symbol=AAPL")
	assert.Contains(t, out, "qty=7")
}

func TestLevelFiltersAttrVariants(t *testing.T) {
	buf := capture(t)
	SetLevel("error")

	Infow("quiet", "k", "v")
	Warnw("also quiet", "k", "v")
	Errorw("loud", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestInfofFormats(t *testing.T) {
	buf := capture(t)

	Infof("settled %s with %d fills", "2025-06-02", 3)

	assert.Contains(t, buf.String(), "settled 2025-06-02 with 3 fills")
}
