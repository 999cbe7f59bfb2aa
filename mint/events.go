package mint

import (
	"encoding/json"

	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut04"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

// Event topics, one per spec.md §4.9 event kind.
const (
	TopicMintQuote = "mint-quote"
	TopicMeltQuote = "melt-quote"
	TopicProofState = "proof-state"
)

type mintQuoteEvent struct {
	Quote string    `json:"quote"`
	State nut04.State `json:"state"`
}

type meltQuoteEvent struct {
	Quote    string      `json:"quote"`
	State    nut05.State `json:"state"`
	Preimage string      `json:"payment_preimage,omitempty"`
}

type proofStateEvent struct {
	Y     string             `json:"Y"`
	State storage.ProofState `json:"state"`
}

// publishMintQuoteStatus/publishMeltQuoteStatus/publishProofState broadcast
// to the in-process event bus (spec.md §4.9). Publish is always
// non-blocking on the producer side; pubsub.PubSub itself enforces the
// bounded-buffer drop policy per subscriber.
func (m *Mint) publishMintQuoteStatus(quote storage.MintQuote) {
	payload, err := json.Marshal(mintQuoteEvent{Quote: quote.Id, State: quote.State})
	if err != nil {
		return
	}
	m.pubsub.Publish(TopicMintQuote, payload)
}

func (m *Mint) publishMeltQuoteStatus(quote storage.MeltQuote) {
	payload, err := json.Marshal(meltQuoteEvent{Quote: quote.Id, State: quote.State, Preimage: quote.Preimage})
	if err != nil {
		return
	}
	m.pubsub.Publish(TopicMeltQuote, payload)
}

func (m *Mint) publishProofState(y string, state storage.ProofState) {
	payload, err := json.Marshal(proofStateEvent{Y: y, State: state})
	if err != nil {
		return
	}
	m.pubsub.Publish(TopicProofState, payload)
}
