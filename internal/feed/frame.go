package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"candle-cache/internal/domain"
)

// Frame types.
const (
	FrameQuote   = "quote"
	FrameAccount = "account"
)

// ErrMalformedFrame is returned for frames that cannot become a tick.
var ErrMalformedFrame = errors.New("malformed frame")

// frame is the wire shape of a tick. Value fields are pointers so that a
// missing field is distinguishable from zero.
type frame struct {
	Type    string   `json:"type"`
	Ref     string   `json:"ref"`
	TS      int64    `json:"ts"` // unix milliseconds
	Bid     *float64 `json:"bid,omitempty"`
	Ask     *float64 `json:"ask,omitempty"`
	BidVol  float64  `json:"bid_vol,omitempty"`
	AskVol  float64  `json:"ask_vol,omitempty"`
	Equity  *float64 `json:"equity,omitempty"`
	Balance *float64 `json:"balance,omitempty"`
	PnL     *float64 `json:"pnl,omitempty"`
}

type subscribeFrame struct {
	Op   string   `json:"op"`
	Refs []string `json:"refs"`
}

// ParseFrame decodes one JSON frame into a tick.
func ParseFrame(data []byte) (domain.Tick, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.Tick{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Ref == "" {
		return domain.Tick{}, fmt.Errorf("%w: missing ref", ErrMalformedFrame)
	}
	if f.TS <= 0 {
		return domain.Tick{}, fmt.Errorf("%w: missing ts", ErrMalformedFrame)
	}

	tick := domain.Tick{
		EntityRef: f.Ref,
		Time:      time.UnixMilli(f.TS).UTC(),
	}

	switch f.Type {
	case FrameQuote:
		if f.Bid == nil || f.Ask == nil {
			return domain.Tick{}, fmt.Errorf("%w: quote needs bid and ask", ErrMalformedFrame)
		}
		tick.Metrics = domain.Quote{
			Bid:       *f.Bid,
			Ask:       *f.Ask,
			BidVolume: f.BidVol,
			AskVolume: f.AskVol,
		}.Metrics()
	case FrameAccount:
		if f.Equity == nil || f.Balance == nil || f.PnL == nil {
			return domain.Tick{}, fmt.Errorf("%w: account needs equity, balance and pnl", ErrMalformedFrame)
		}
		tick.Metrics = domain.AccountSnapshot{
			Equity:  *f.Equity,
			Balance: *f.Balance,
			PnL:     *f.PnL,
		}.Metrics()
	default:
		return domain.Tick{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return tick, nil
}
