package risk

import (
	"math"

	"github.com/markcheno/go-talib"
)

type Regime string

const (
	RegimeBull     Regime = "bull"
	RegimeBear     Regime = "bear"
	RegimeSideways Regime = "sideways"
	RegimeUnknown  Regime = "unknown"
)

const (
	regimeFastPeriod = 50
	regimeSlowPeriod = 200
	regimeVolWindow  = 20
	regimeCalmVol    = 0.20
)

// DetectRegime classifies the broad market from a daily close series
// (oldest first) using the 50/200 SMA cross, with realized volatility
// deciding bull vs sideways. Under bear the engine tightens the buy
// cap; unknown changes nothing.
func DetectRegime(closes []float64) Regime {
	if len(closes) < regimeSlowPeriod {
		return RegimeUnknown
	}
	fast := talib.Sma(closes, regimeFastPeriod)
	slow := talib.Sma(closes, regimeSlowPeriod)
	sma50 := fast[len(fast)-1]
	sma200 := slow[len(slow)-1]
	if sma50 < sma200 {
		return RegimeBear
	}
	if sma50 > sma200 && annualizedVol(closes, regimeVolWindow) < regimeCalmVol {
		return RegimeBull
	}
	return RegimeSideways
}

func annualizedVol(closes []float64, window int) float64 {
	if len(closes) < window+1 {
		return math.Inf(1)
	}
	tail := closes[len(closes)-window-1:]
	returns := make([]float64, 0, window)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] == 0 {
			continue
		}
		returns = append(returns, tail[i]/tail[i-1]-1)
	}
	if len(returns) < 2 {
		return math.Inf(1)
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance) * math.Sqrt(252)
}
