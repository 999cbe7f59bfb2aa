package mint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cashubtc/cdk-sub008/mint/storage"
)

// Saga state variants, one enum per kind (spec.md §4.8, §9: "do not share
// a single state enum across kinds"). Each is persisted as the JSON-encoded
// storage.Saga.State envelope.

type MintSagaState string

const (
	MintQuoteReserved MintSagaState = "QUOTE_RESERVED"
	MintSigned        MintSagaState = "SIGNED"
)

type SwapSagaState string

const (
	SwapSetupComplete SwapSagaState = "SETUP_COMPLETE"
	SwapSigned        SwapSagaState = "SIGNED"
)

type MeltSagaState string

const (
	MeltSetupComplete    MeltSagaState = "SETUP_COMPLETE"
	MeltPaymentAttempted MeltSagaState = "PAYMENT_ATTEMPTED"
	MeltFinalizing       MeltSagaState = "FINALIZING"
)

type mintSagaPayload struct {
	State MintSagaState `json:"state"`
}

type swapSagaPayload struct {
	State SwapSagaState `json:"state"`
	// OutputBs is populated when advancing to Signed so recovery can fetch
	// the already-persisted BlindSignatureRecords by B_ without needing a
	// dedicated operation_id index on the blind_signature table.
	OutputBs []string `json:"output_bs,omitempty"`
}

type meltSagaPayload struct {
	State MeltSagaState `json:"state"`
}

// startSwapSaga persists a new Swap saga row in SetupComplete.
func startSwapSaga(ctx context.Context, db storage.Database, operationId string) error {
	return writeSaga(ctx, db, operationId, storage.SagaSwap, "", swapSagaPayload{State: SwapSetupComplete})
}

func advanceSwapSaga(ctx context.Context, db storage.Database, operationId string, state SwapSagaState) error {
	payload, err := json.Marshal(swapSagaPayload{State: state})
	if err != nil {
		return err
	}
	return db.UpdateSagaState(ctx, operationId, payload)
}

// advanceSwapSagaSigned marks a swap Signed and records the output B_s so a
// crash-recovered saga can fetch the already-persisted BlindSignatureRecords
// without re-deriving them.
func advanceSwapSagaSigned(ctx context.Context, db storage.Database, operationId string, outputBs []string) error {
	payload, err := json.Marshal(swapSagaPayload{State: SwapSigned, OutputBs: outputBs})
	if err != nil {
		return err
	}
	return db.UpdateSagaState(ctx, operationId, payload)
}

// startMeltSaga persists a new Melt saga row in SetupComplete, tagged with
// the quote it belongs to (spec.md §4.7 step 1, §4.8).
func startMeltSaga(ctx context.Context, db storage.Database, operationId string, quoteId string) error {
	return writeSaga(ctx, db, operationId, storage.SagaMelt, quoteId, meltSagaPayload{State: MeltSetupComplete})
}

func advanceMeltSaga(ctx context.Context, db storage.Database, operationId string, state MeltSagaState) error {
	payload, err := json.Marshal(meltSagaPayload{State: state})
	if err != nil {
		return err
	}
	return db.UpdateSagaState(ctx, operationId, payload)
}

func writeSaga(ctx context.Context, db storage.Database, operationId string, kind storage.SagaKind, quoteId string, payload any) error {
	state, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return db.SaveSaga(ctx, storage.Saga{
		OperationId: operationId,
		Kind:        kind,
		State:       state,
		QuoteId:     quoteId,
	})
}

func readSwapSagaPayload(saga storage.Saga) (swapSagaPayload, error) {
	var payload swapSagaPayload
	if err := json.Unmarshal(saga.State, &payload); err != nil {
		return swapSagaPayload{}, fmt.Errorf("corrupt swap saga %s: %v", saga.OperationId, err)
	}
	return payload, nil
}

func readMeltSagaState(saga storage.Saga) (MeltSagaState, error) {
	var payload meltSagaPayload
	if err := json.Unmarshal(saga.State, &payload); err != nil {
		return "", fmt.Errorf("corrupt melt saga %s: %v", saga.OperationId, err)
	}
	return payload.State, nil
}
