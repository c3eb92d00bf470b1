package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Monetary columns are stored as decimal strings; float columns would
// drift on repeated P&L accumulation.

type tradeRecordModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	IdempotencyKey string         `gorm:"column:idempotency_key;uniqueIndex"`
	Day            string         `gorm:"column:day;index"`
	Window         string         `gorm:"column:window"`
	Symbol         string         `gorm:"column:symbol"`
	Side           string         `gorm:"column:side"`
	Status         string         `gorm:"column:status"`
	Quantity       int64          `gorm:"column:quantity"`
	Price          string         `gorm:"column:price"`
	RealizedPnL    string         `gorm:"column:realized_pnl"`
	BrokerOrderID  string         `gorm:"column:broker_order_id"`
	Reason         string         `gorm:"column:reason"`
	ExecutedAtUnix int64          `gorm:"column:executed_at"`
	CreatedAtUnix  int64          `gorm:"column:created_at;autoCreateTime"`
	Meta           datatypes.JSON `gorm:"column:meta;type:TEXT"`
}

func (tradeRecordModel) TableName() string { return "trade_records" }

type portfolioSnapshotModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Day           string         `gorm:"column:day;index"`
	Window        string         `gorm:"column:window"`
	Cash          string         `gorm:"column:cash"`
	Equity        string         `gorm:"column:equity"`
	RealizedPnL   string         `gorm:"column:realized_pnl"`
	UnrealizedPnL string         `gorm:"column:unrealized_pnl"`
	Positions     datatypes.JSON `gorm:"column:positions;type:TEXT"`
	Note          string         `gorm:"column:note"`
	CreatedAtUnix int64          `gorm:"column:created_at;autoCreateTime"`
}

func (portfolioSnapshotModel) TableName() string { return "portfolio_snapshots" }

type positionJSON struct {
	Symbol    string `json:"symbol"`
	Shares    int64  `json:"shares"`
	AvgCost   string `json:"avg_cost"`
	StopRef   string `json:"stop_ref"`
	EnteredAt int64  `json:"entered_at"`
}

func encodePositions(positions map[string]Position) (datatypes.JSON, error) {
	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionJSON{
			Symbol:    p.Symbol,
			Shares:    p.Shares,
			AvgCost:   p.AvgCost.String(),
			StopRef:   p.StopRef.String(),
			EnteredAt: p.EnteredAt.Unix(),
		})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodePositions(raw datatypes.JSON) (map[string]Position, error) {
	positions := make(map[string]Position)
	if len(raw) == 0 {
		return positions, nil
	}
	var items []positionJSON
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	for _, item := range items {
		positions[item.Symbol] = Position{
			Symbol:    item.Symbol,
			Shares:    item.Shares,
			AvgCost:   parseDec(item.AvgCost),
			StopRef:   parseDec(item.StopRef),
			EnteredAt: time.Unix(item.EnteredAt, 0).UTC(),
		}
	}
	return positions, nil
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (m tradeRecordModel) toRecord() TradeRecord {
	return TradeRecord{
		IdempotencyKey: m.IdempotencyKey,
		Day:            m.Day,
		Window:         m.Window,
		Symbol:         m.Symbol,
		Side:           Side(m.Side),
		Status:         TradeStatus(m.Status),
		Quantity:       m.Quantity,
		Price:          parseDec(m.Price),
		RealizedPnL:    parseDec(m.RealizedPnL),
		BrokerOrderID:  m.BrokerOrderID,
		Reason:         m.Reason,
		ExecutedAt:     time.Unix(m.ExecutedAtUnix, 0).UTC(),
	}
}

func fromRecord(rec TradeRecord) tradeRecordModel {
	return tradeRecordModel{
		IdempotencyKey: rec.IdempotencyKey,
		Day:            rec.Day,
		Window:         rec.Window,
		Symbol:         rec.Symbol,
		Side:           string(rec.Side),
		Status:         string(rec.Status),
		Quantity:       rec.Quantity,
		Price:          rec.Price.String(),
		RealizedPnL:    rec.RealizedPnL.String(),
		BrokerOrderID:  rec.BrokerOrderID,
		Reason:         rec.Reason,
		ExecutedAtUnix: rec.ExecutedAt.Unix(),
	}
}
