// Package decision turns AI model output into validated trade intents
// and owns the multi-provider failover gateway.
package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// TradeIntent is the ephemeral output of a decision provider. It is
// consumed by the risk engine and never persisted as-is.
type TradeIntent struct {
	Symbol        string
	Action        Action
	Quantity      int64
	AllocationPct float64
	Confidence    float64
	Rationale     string
	Provider      string
}

// Hash identifies the logical trade this intent describes. Rationale
// and confidence are deliberately excluded: re-running the same day
// with the same proposed trade must produce the same hash.
func (i TradeIntent) Hash() string {
	canonical := fmt.Sprintf("%s|%s|%d|%.6f", i.Symbol, i.Action, i.Quantity, i.AllocationPct)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:12])
}

type PromptBundle struct {
	System string
	User   string
}

// Request is a single-call decision request; it is never persisted
// beyond the audit journal.
type Request struct {
	Day       string
	Window    string
	Prompt    PromptBundle
	MaxTokens int
}

type Response struct {
	Intents    []TradeIntent
	Provider   string
	Latency    time.Duration
	Confidence float64
}

// ErrNoDecision signals every configured provider was exhausted. The
// cycle settles with zero trades; it must not guess.
var ErrNoDecision = errors.New("no decision available: all providers exhausted")
