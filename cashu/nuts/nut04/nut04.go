// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"
	"errors"

	"github.com/cashubtc/cdk-sub008/cashu"
)

// State is the lifecycle of a MintQuote (spec.md §3).
type State int

const (
	Unpaid State = iota
	Paid
	Issued
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(s string) (State, error) {
	switch s {
	case "UNPAID":
		return Unpaid, nil
	case "PAID":
		return Paid, nil
	case "ISSUED":
		return Issued, nil
	default:
		return Unpaid, errors.New("invalid mint quote state")
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state, err := StringToState(str)
	if err != nil {
		return err
	}
	*s = state
	return nil
}

type PostMintQuoteBolt11Request struct {
	Amount      uint64 `json:"amount"`
	Unit        string `json:"unit"`
	Description string `json:"description,omitempty"`
	Pubkey      string `json:"pubkey,omitempty"`
}

// PostMintQuoteBolt11Response is the wire form of a mint quote returned by
// POST and GET .../quote/bolt11; the persisted row is the separate
// storage.MintQuote, which httpapi converts into this type.
type PostMintQuoteBolt11Response struct {
	Quote          string `json:"quote"`
	Request        string `json:"request"`
	State          State  `json:"state"`
	Expiry         int64  `json:"expiry"`
	Pubkey         string `json:"pubkey,omitempty"`
	AmountPaid     uint64 `json:"amount_paid"`
	AmountIssued   uint64 `json:"amount_issued"`
	PaymentMethod  string `json:"-"`
}

type PostMintBolt11Request struct {
	Quote     string                `json:"quote"`
	Outputs   cashu.BlindedMessages `json:"outputs"`
	Signature string                `json:"signature,omitempty"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
