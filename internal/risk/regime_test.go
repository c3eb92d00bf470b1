package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectRegime(t *testing.T) {
	t.Run("too few closes is unknown", func(t *testing.T) {
		closes := make([]float64, 100)
		for i := range closes {
			closes[i] = 100
		}
		assert.Equal(t, RegimeUnknown, DetectRegime(closes))
	})

	t.Run("steady downtrend is bear", func(t *testing.T) {
		closes := make([]float64, 260)
		px := 400.0
		for i := range closes {
			closes[i] = px
			px -= 0.8
		}
		assert.Equal(t, RegimeBear, DetectRegime(closes))
	})

	t.Run("calm uptrend is bull", func(t *testing.T) {
		closes := make([]float64, 260)
		px := 100.0
		for i := range closes {
			closes[i] = px
			px += 0.2
		}
		assert.Equal(t, RegimeBull, DetectRegime(closes))
	})

	t.Run("uptrend with violent tail is sideways", func(t *testing.T) {
		closes := make([]float64, 260)
		px := 100.0
		for i := range closes {
			closes[i] = px
			px += 0.2
		}
		// Whipsaw the last month hard enough to blow past the calm
		// volatility bound while the SMAs stay crossed up.
		for i := len(closes) - 20; i < len(closes); i++ {
			if i%2 == 0 {
				closes[i] *= 1.06
			} else {
				closes[i] *= 0.94
			}
		}
		assert.Equal(t, RegimeSideways, DetectRegime(closes))
	})
}
