// Package market supplies quotes for held symbols and benchmarks; it
// is read-only context for the decision and risk layers.
package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"alphapilot/internal/logger"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"
)

type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	PrevClose decimal.Decimal
	ChangePct float64
	Volume    int64
	AsOf      time.Time
}

// Source fetches market data; the Yahoo implementation is used in
// production and tests substitute a stub.
type Source interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	DailyCloses(ctx context.Context, symbol string, days int) ([]float64, error)
}

// YahooSource pulls quotes and daily bars from Yahoo Finance.
type YahooSource struct{}

func (YahooSource) Quote(_ context.Context, symbol string) (Quote, error) {
	q, err := quote.Get(symbol)
	if err != nil {
		return Quote{}, fmt.Errorf("quote for %s failed: %w", symbol, err)
	}
	if q == nil {
		return Quote{}, fmt.Errorf("quote for %s: empty response", symbol)
	}
	return Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(q.RegularMarketPrice),
		PrevClose: decimal.NewFromFloat(q.RegularMarketPreviousClose),
		ChangePct: q.RegularMarketChangePercent,
		Volume:    int64(q.RegularMarketVolume),
		AsOf:      time.Now().UTC(),
	}, nil
}

func (YahooSource) DailyCloses(_ context.Context, symbol string, days int) ([]float64, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -days*7/5-10) // trading days -> calendar days
	iter := chart.Get(&chart.Params{
		Symbol:   symbol,
		Interval: datetime.OneDay,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
	})
	var closes []float64
	for iter.Next() {
		bar := iter.Bar()
		px, _ := bar.Close.Float64()
		if px > 0 {
			closes = append(closes, px)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("daily closes for %s failed: %w", symbol, err)
	}
	if len(closes) > days {
		closes = closes[len(closes)-days:]
	}
	return closes, nil
}

// Service aggregates per-cycle market context. A failed symbol is
// logged and skipped; one bad quote never aborts the cycle.
type Service struct {
	source       Source
	benchmarks   []string
	regimeSymbol string
}

func NewService(source Source, benchmarks []string, regimeSymbol string) *Service {
	return &Service{source: source, benchmarks: benchmarks, regimeSymbol: regimeSymbol}
}

// Snapshot quotes the held symbols plus the configured benchmarks.
func (s *Service) Snapshot(ctx context.Context, held []string) map[string]Quote {
	seen := make(map[string]bool)
	out := make(map[string]Quote)
	for _, sym := range append(append([]string{}, held...), s.benchmarks...) {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		q, err := s.source.Quote(ctx, sym)
		if err != nil {
			logger.Warnf("market: %v", err)
			continue
		}
		out[sym] = q
	}
	return out
}

// Prices projects a snapshot down to what the risk engine consumes.
func Prices(quotes map[string]Quote) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(quotes))
	for sym, q := range quotes {
		out[sym] = q.Price
	}
	return out
}

// Volumes projects a snapshot down to per-symbol share volume, used by
// the liquidity floor.
func Volumes(quotes map[string]Quote) map[string]int64 {
	out := make(map[string]int64, len(quotes))
	for sym, q := range quotes {
		out[sym] = q.Volume
	}
	return out
}

// RegimeCloses returns the daily close series used for market regime
// detection.
func (s *Service) RegimeCloses(ctx context.Context, days int) ([]float64, error) {
	return s.source.DailyCloses(ctx, s.regimeSymbol, days)
}

// FormatContext renders the snapshot as prompt-ready lines.
func FormatContext(quotes map[string]Quote) string {
	symbols := make([]string, 0, len(quotes))
	for sym := range quotes {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	var sb strings.Builder
	for _, sym := range symbols {
		q := quotes[sym]
		fmt.Fprintf(&sb, "- %s: $%s (%+.2f%%) Vol: %d\n", sym, q.Price.StringFixed(2), q.ChangePct, q.Volume)
	}
	if sb.Len() == 0 {
		return "- no market data available\n"
	}
	return sb.String()
}
