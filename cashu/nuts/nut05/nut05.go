// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"
	"errors"

	"github.com/cashubtc/cdk-sub008/cashu"
)

// State is the lifecycle of a MeltQuote (spec.md §3).
type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Failed
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	case Failed:
		return "FAILED"
	default:
		return "unknown"
	}
}

func StringToState(s string) (State, error) {
	switch s {
	case "UNPAID":
		return Unpaid, nil
	case "PENDING":
		return Pending, nil
	case "PAID":
		return Paid, nil
	case "FAILED":
		return Failed, nil
	default:
		return Unpaid, errors.New("invalid melt quote state")
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

type PostMeltQuoteBolt11Request struct {
	Request string          `json:"request"`
	Unit    string          `json:"unit"`
	Options json.RawMessage `json:"options,omitempty"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      State  `json:"state"`
	Expiry     int64  `json:"expiry"`
	Preimage   string `json:"payment_preimage,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	PostMeltQuoteBolt11Response
	Change cashu.BlindedSignatures `json:"change,omitempty"`
}
