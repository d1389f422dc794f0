package gateway

import (
	"time"

	"autorepayd/config"
	"autorepayd/engine"
)

// Amount carries a raw smallest-unit value alongside its display form.
// The display string exists only at this boundary and never feeds back
// into contract calls.
type Amount struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
	Symbol  string `json:"symbol,omitempty"`
}

// Preview renders a conversion quote including its staleness flag.
type Preview struct {
	Input      Amount    `json:"input"`
	Estimate   Amount    `json:"estimate"`
	MinimumOut Amount    `json:"minimumOut"`
	QuotedAt   time.Time `json:"quotedAt"`
	Stale      bool      `json:"stale"`
}

// Pending marks an unresolved submitted write.
type Pending struct {
	Op          string    `json:"op"`
	TxHash      string    `json:"txHash"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// PositionView is the JSON shape served to the dashboard.
type PositionView struct {
	IPID        string    `json:"ipId"`
	Status      string    `json:"status"`
	Owner       string    `json:"owner,omitempty"`
	Token       string    `json:"borrowedToken,omitempty"`
	Debt        *Amount   `json:"debt,omitempty"`
	Royalty     *Amount   `json:"royalty,omitempty"`
	Preview     *Preview  `json:"preview,omitempty"`
	Pending     *Pending  `json:"pending,omitempty"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

func renderSnapshot(snap engine.Snapshot, registry *config.Registry, now time.Time, previewMaxAge time.Duration) PositionView {
	view := PositionView{
		IPID:        snap.IPID.Hex(),
		Status:      snap.Status.String(),
		RefreshedAt: snap.RefreshedAt,
	}
	if snap.Lock != nil {
		view.Owner = snap.Lock.Owner.Hex()
		view.Token = snap.Lock.BorrowedToken.Hex()
		decimals := registry.Decimals(snap.Lock.BorrowedToken)
		view.Debt = &Amount{
			Raw:     snap.Lock.Debt.String(),
			Display: engine.FormatAmount(snap.Lock.Debt, decimals),
			Symbol:  registry.Symbol(snap.Lock.BorrowedToken),
		}
	}
	if snap.Royalty != nil {
		decimals := registry.Decimals(snap.Royalty.Token)
		view.Royalty = &Amount{
			Raw:     snap.Royalty.AmountRaw.String(),
			Display: engine.FormatAmount(snap.Royalty.AmountRaw, decimals),
			Symbol:  registry.Symbol(snap.Royalty.Token),
		}
	}
	if snap.Preview != nil && snap.Lock != nil {
		decimals := registry.Decimals(snap.Lock.BorrowedToken)
		symbol := registry.Symbol(snap.Lock.BorrowedToken)
		view.Preview = &Preview{
			Input: Amount{
				Raw:     snap.Preview.InputAmount.String(),
				Display: engine.FormatAmount(snap.Preview.InputAmount, decimals),
			},
			Estimate: Amount{
				Raw:     snap.Preview.OutputEstimate.String(),
				Display: engine.FormatAmount(snap.Preview.OutputEstimate, decimals),
				Symbol:  symbol,
			},
			MinimumOut: Amount{
				Raw:     snap.Preview.MinimumOut.String(),
				Display: engine.FormatAmount(snap.Preview.MinimumOut, decimals),
				Symbol:  symbol,
			},
			QuotedAt: snap.Preview.QuotedAt,
			Stale:    snap.Preview.StaleAt(now, previewMaxAge),
		}
	}
	if snap.Pending != nil {
		view.Pending = &Pending{
			Op:          string(snap.Pending.Op),
			TxHash:      snap.Pending.TxHash.Hex(),
			SubmittedAt: snap.Pending.SubmittedAt,
		}
	}
	return view
}
