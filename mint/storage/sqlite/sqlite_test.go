package sqlite

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut04"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

var db *SQLiteDB

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testsqlite"
	if err := os.MkdirAll(dbpath, 0750); err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	var err error
	db, err = InitSQLite(dbpath)
	if err != nil {
		return 1, err
	}
	defer db.Close()

	return m.Run(), nil
}

func TestProofLifecycle(t *testing.T) {
	ctx := context.Background()
	proofs := generateRandomProofs(10)
	operationId := generateRandomString(16)

	if err := db.InsertReservation(ctx, proofs, operationId, ""); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}

	fetched, err := db.ListByOperation(ctx, operationId)
	if err != nil {
		t.Fatalf("error listing by operation: %v", err)
	}
	if len(fetched) != len(proofs) {
		t.Fatalf("expected %v proofs, got %v", len(proofs), len(fetched))
	}
	for _, p := range fetched {
		if p.State != storage.Pending {
			t.Fatalf("expected Pending, got %v", p.State)
		}
	}

	Ys := make([]string, len(fetched))
	for i, p := range fetched {
		Ys[i] = p.Y
	}

	if _, err := db.UpdateStates(ctx, Ys, storage.Spent); err != nil {
		t.Fatalf("error spending proofs: %v", err)
	}

	if err := db.UpdateKeysetActive(ctx, "nonexistent", true); err == nil {
		t.Fatal("expected error updating a keyset that doesn't exist")
	}

	if _, err := db.UpdateStates(ctx, Ys, storage.Unspent); err == nil {
		t.Fatal("expected error trying to revive a spent proof")
	}

	if err := db.Remove(ctx, Ys); err == nil {
		t.Fatal("expected error trying to remove a spent proof")
	}
}

func TestReservationConflict(t *testing.T) {
	ctx := context.Background()
	proofs := generateRandomProofs(3)

	if err := db.InsertReservation(ctx, proofs, "op-a", ""); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}
	if err := db.InsertReservation(ctx, proofs, "op-b", ""); err != storage.ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestKeysets(t *testing.T) {
	ctx := context.Background()
	keyset := storage.DBKeyset{
		Id:                generateRandomString(16),
		Unit:              "sat",
		Active:            true,
		Seed:              generateRandomString(64),
		DerivationPathIdx: 1,
		InputFeePpk:       100,
	}
	if err := db.SaveKeyset(ctx, keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keysets, err := db.GetKeysets(ctx)
	if err != nil {
		t.Fatalf("error listing keysets: %v", err)
	}
	var found bool
	for _, k := range keysets {
		if k.Id == keyset.Id {
			found = true
			if !reflect.DeepEqual(k, keyset) {
				t.Fatalf("keyset from db does not match saved one: got %+v want %+v", k, keyset)
			}
		}
	}
	if !found {
		t.Fatal("saved keyset not found")
	}

	if err := db.UpdateKeysetActive(ctx, keyset.Id, false); err != nil {
		t.Fatalf("error deactivating keyset: %v", err)
	}
}

func TestMintQuotes(t *testing.T) {
	ctx := context.Background()
	quotes := generateRandomMintQuotes(50, false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, q := range quotes {
		wg.Add(1)
		go func(q storage.MintQuote) {
			defer wg.Done()
			if err := db.SaveMintQuote(ctx, q); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(q)
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("error saving mint quote: %v", errs[0])
	}

	expected := quotes[10]
	quote, err := db.GetMintQuote(ctx, expected.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if quote.Id != expected.Id || quote.Amount != expected.Amount || quote.State != expected.State {
		t.Fatal("quote from db does not match generated one")
	}

	if err := db.IncrementAmountPaid(ctx, quote.Id, quote.Amount, "payment-1"); err != nil {
		t.Fatalf("error incrementing amount paid: %v", err)
	}
	if err := db.IncrementAmountPaid(ctx, quote.Id, quote.Amount, "payment-1"); err != nil {
		t.Fatalf("error on duplicate payment id: %v", err)
	}

	quote, err = db.GetMintQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error reloading mint quote: %v", err)
	}
	if quote.AmountPaid != expected.Amount {
		t.Fatalf("expected amount_paid %v after duplicate payment id, got %v (duplicates must be idempotent)", expected.Amount, quote.AmountPaid)
	}
	if quote.State != nut04.Paid {
		t.Fatalf("expected quote auto-transitioned to Paid, got %v", quote.State)
	}
	if len(quote.PaymentIds) != 1 {
		t.Fatalf("expected 1 payment id recorded, got %v", len(quote.PaymentIds))
	}

	if err := db.SetMintQuoteState(ctx, quote.Id, nut04.Issued); err != nil {
		t.Fatalf("error updating mint quote state: %v", err)
	}
	quote, err = db.GetMintQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error reloading mint quote: %v", err)
	}
	if quote.State != nut04.Issued {
		t.Fatal("expected quote state Issued")
	}

	// quote with pubkey
	pubkeyQuotes := generateRandomMintQuotes(5, true)
	for _, q := range pubkeyQuotes {
		if err := db.SaveMintQuote(ctx, q); err != nil {
			t.Fatalf("error saving mint quote with pubkey: %v", err)
		}
	}
	withPubkey := pubkeyQuotes[0]
	reloaded, err := db.GetMintQuote(ctx, withPubkey.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if reloaded.Pubkey == nil {
		t.Fatal("expected pubkey to round-trip")
	}
	if [33]byte(reloaded.Pubkey.SerializeCompressed()) != [33]byte(withPubkey.Pubkey.SerializeCompressed()) {
		t.Fatal("pubkey did not round-trip correctly")
	}
}

func TestMeltQuoteLifecycle(t *testing.T) {
	ctx := context.Background()
	quote := storage.MeltQuote{
		Id:              generateRandomString(32),
		Unit:            "sat",
		Amount:          21,
		FeeReserve:      1,
		PaymentRequest:  generateRandomString(100),
		RequestLookupId: generateRandomString(32),
		State:           nut05.Unpaid,
		PaymentMethod:   "bolt11",
	}
	if err := db.SaveMeltQuote(ctx, quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	fetched, err := db.GetMeltQuoteByLookupId(ctx, quote.RequestLookupId)
	if err != nil {
		t.Fatalf("error getting melt quote by lookup id: %v", err)
	}
	if fetched.Id != quote.Id {
		t.Fatal("melt quote from db does not match generated one")
	}

	prior, err := db.UpdateMeltQuoteState(ctx, quote.Id, nut05.Pending, "")
	if err != nil {
		t.Fatalf("error updating melt quote state: %v", err)
	}
	if prior != nut05.Unpaid {
		t.Fatalf("expected prior state Unpaid, got %v", prior)
	}

	if _, err := db.UpdateMeltQuoteState(ctx, quote.Id, nut05.Paid, "preimage123"); err != nil {
		t.Fatalf("error marking melt quote paid: %v", err)
	}

	reloaded, err := db.GetMeltQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error reloading melt quote: %v", err)
	}
	if reloaded.State != nut05.Paid || reloaded.Preimage != "preimage123" {
		t.Fatalf("unexpected melt quote after update: %+v", reloaded)
	}
}

func TestMeltRequestInfo(t *testing.T) {
	ctx := context.Background()
	info := storage.MeltRequestInfo{
		QuoteId:      generateRandomString(32),
		InputsAmount: 100,
		InputsFee:    1,
		ChangeOutputs: cashu.BlindedMessages{
			{Amount: 4, Id: "abc", B_: generateRandomString(33)},
		},
	}
	if err := db.SaveMeltRequestInfo(ctx, info); err != nil {
		t.Fatalf("error saving melt request info: %v", err)
	}

	fetched, err := db.GetMeltRequestInfo(ctx, info.QuoteId)
	if err != nil {
		t.Fatalf("error getting melt request info: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected melt request info, got nil")
	}
	if fetched.InputsAmount != info.InputsAmount || len(fetched.ChangeOutputs) != 1 {
		t.Fatalf("melt request info round-tripped incorrectly: %+v", fetched)
	}

	if err := db.RemoveMeltRequestInfo(ctx, info.QuoteId); err != nil {
		t.Fatalf("error removing melt request info: %v", err)
	}
	fetched, err = db.GetMeltRequestInfo(ctx, info.QuoteId)
	if err != nil {
		t.Fatalf("error getting melt request info after removal: %v", err)
	}
	if fetched != nil {
		t.Fatal("expected nil after removal")
	}
}

func TestBlindSignatures(t *testing.T) {
	ctx := context.Background()
	count := 20
	outputs := generateBlindedMessages(count)
	signatures := generateBlindSignatures(count)

	if err := db.SaveBlindSignatures(ctx, outputs, signatures, "quote-xyz"); err != nil {
		t.Fatalf("unexpected error saving blind signatures: %v", err)
	}

	got, err := db.GetBlindSignature(ctx, outputs[5].B_)
	if err != nil {
		t.Fatalf("error getting blind signature: %v", err)
	}
	if got.Amount != signatures[5].Amount || got.C_ != signatures[5].C_ {
		t.Fatal("blind signature from db does not match generated one")
	}

	B_s := make([]string, 0, 10)
	for _, o := range outputs[:10] {
		B_s = append(B_s, o.B_)
	}
	many, err := db.GetBlindSignatures(ctx, B_s)
	if err != nil {
		t.Fatalf("error getting blind signatures: %v", err)
	}
	if len(many) != 10 {
		t.Fatalf("expected 10 signatures, got %v", len(many))
	}

	byQuote, err := db.GetBlindSignaturesByQuote(ctx, "quote-xyz")
	if err != nil {
		t.Fatalf("error getting blind signatures by quote: %v", err)
	}
	if len(byQuote) != count {
		t.Fatalf("expected %v signatures by quote, got %v", count, len(byQuote))
	}
}

func TestSagaLifecycle(t *testing.T) {
	ctx := context.Background()
	saga := storage.Saga{
		OperationId: generateRandomString(16),
		Kind:        storage.SagaSwap,
		State:       []byte(`{"state":"SETUP_COMPLETE"}`),
	}
	if err := db.SaveSaga(ctx, saga); err != nil {
		t.Fatalf("error saving saga: %v", err)
	}

	if err := db.UpdateSagaState(ctx, saga.OperationId, []byte(`{"state":"SIGNED"}`)); err != nil {
		t.Fatalf("error updating saga: %v", err)
	}

	fetched, err := db.GetSaga(ctx, saga.OperationId)
	if err != nil {
		t.Fatalf("error getting saga: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected saga, got nil")
	}
	if string(fetched.State) != `{"state":"SIGNED"}` {
		t.Fatalf("unexpected saga state after update: %s", fetched.State)
	}

	swapSagas, err := db.ListSagasByKind(ctx, storage.SagaSwap)
	if err != nil {
		t.Fatalf("error listing swap sagas: %v", err)
	}
	if len(swapSagas) == 0 {
		t.Fatal("expected at least one swap saga")
	}

	if err := db.RemoveSaga(ctx, saga.OperationId); err != nil {
		t.Fatalf("error removing saga: %v", err)
	}
	fetched, err = db.GetSaga(ctx, saga.OperationId)
	if err != nil {
		t.Fatalf("error getting saga after removal: %v", err)
	}
	if fetched != nil {
		t.Fatal("expected nil saga after removal")
	}
}

func TestConfig(t *testing.T) {
	ctx := context.Background()
	if err := db.SetConfig(ctx, "db_version", "1"); err != nil {
		t.Fatalf("error setting config: %v", err)
	}
	if err := db.SetConfig(ctx, "db_version", "2"); err != nil {
		t.Fatalf("error overwriting config: %v", err)
	}
	value, err := db.GetConfig(ctx, "db_version")
	if err != nil {
		t.Fatalf("error getting config: %v", err)
	}
	if value != "2" {
		t.Fatalf("expected '2', got '%v'", value)
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func generateRandomProofs(num int) cashu.Proofs {
	proofs := make(cashu.Proofs, num)
	for i := 0; i < num; i++ {
		proofs[i] = cashu.Proof{
			Amount: 4,
			Id:     generateRandomString(16),
			Secret: generateRandomString(64),
			C:      generateRandomString(64),
		}
	}
	return proofs
}

func generateRandomMintQuotes(num int, withPubkey bool) []storage.MintQuote {
	quotes := make([]storage.MintQuote, num)
	for i := 0; i < num; i++ {
		q := storage.MintQuote{
			Id:              generateRandomString(32),
			Unit:            "sat",
			Amount:          21,
			PaymentRequest:  generateRandomString(100),
			RequestLookupId: generateRandomString(32),
			State:           nut04.Unpaid,
			PaymentMethod:   "bolt11",
			SingleUse:       true,
		}
		if withPubkey {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				panic(err)
			}
			q.Pubkey = key.PubKey()
		}
		quotes[i] = q
	}
	return quotes
}

func generateBlindedMessages(num int) cashu.BlindedMessages {
	out := make(cashu.BlindedMessages, num)
	for i := range out {
		out[i] = cashu.BlindedMessage{Amount: 4, Id: generateRandomString(16), B_: generateRandomString(33)}
	}
	return out
}

func generateBlindSignatures(num int) cashu.BlindedSignatures {
	out := make(cashu.BlindedSignatures, num)
	for i := range out {
		out[i] = cashu.BlindedSignature{
			C_:     generateRandomString(33),
			Id:     generateRandomString(16),
			Amount: 4,
			DLEQ: &cashu.DLEQProof{
				E: generateRandomString(33),
				S: generateRandomString(33),
			},
		}
	}
	return out
}
