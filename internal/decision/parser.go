package decision

import (
	"fmt"
	"strings"

	"alphapilot/internal/pkg/jsonutil"

	"github.com/tidwall/gjson"
)

// Parse extracts, validates and normalizes a provider completion into
// trade intents. Any failure here is a provider failure: the gateway
// advances to the next backend rather than guessing at intent.
func Parse(raw, providerID string) ([]TradeIntent, error) {
	doc, ok := jsonutil.ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON document in provider output")
	}
	if err := validatePayload(doc); err != nil {
		return nil, err
	}
	decisions := gjson.Get(doc, "decisions")
	intents := make([]TradeIntent, 0)
	var parseErr error
	decisions.ForEach(func(_, node gjson.Result) bool {
		intent, ok, err := parseNode(node, providerID)
		if err != nil {
			parseErr = err
			return false
		}
		if ok {
			intents = append(intents, intent)
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return intents, nil
}

func parseNode(node gjson.Result, providerID string) (TradeIntent, bool, error) {
	action := Action(strings.ToLower(strings.TrimSpace(node.Get("action").String())))
	symbol := strings.ToUpper(strings.TrimSpace(node.Get("symbol").String()))
	if symbol == "" {
		return TradeIntent{}, false, fmt.Errorf("decision entry missing symbol")
	}
	switch action {
	case ActionBuy, ActionSell:
	case ActionHold:
		// Holds carry no order; drop them after validation.
		return TradeIntent{}, false, nil
	default:
		return TradeIntent{}, false, fmt.Errorf("decision entry has unknown action %q", action)
	}
	intent := TradeIntent{
		Symbol:        symbol,
		Action:        action,
		Quantity:      node.Get("quantity").Int(),
		AllocationPct: node.Get("allocation_pct").Float(),
		Confidence:    node.Get("confidence").Float(),
		Rationale:     strings.TrimSpace(node.Get("reasoning").String()),
		Provider:      providerID,
	}
	if intent.Quantity < 0 {
		return TradeIntent{}, false, fmt.Errorf("decision entry for %s has negative quantity", symbol)
	}
	if intent.Quantity == 0 && intent.AllocationPct <= 0 && action == ActionBuy {
		return TradeIntent{}, false, fmt.Errorf("buy decision for %s has neither quantity nor allocation", symbol)
	}
	return intent, true, nil
}
