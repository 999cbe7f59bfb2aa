// Package sqlite is the production storage.Database backend, built on
// mattn/go-sqlite3 with golang-migrate driving schema upgrades the same way
// the teacher's storage layer does it.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cashubtc/cdk-sub008/cashu"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut04"
	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut05"
	"github.com/cashubtc/cdk-sub008/crypto"
	"github.com/cashubtc/cdk-sub008/mint/storage"
)

func proofY(p cashu.Proof) string {
	Y := crypto.HashToCurve([]byte(p.Secret))
	return hex.EncodeToString(Y.SerializeCompressed())
}

//go:embed migrations
var migrations embed.FS

// SQLiteDB is the mint's production storage.Database implementation.
type SQLiteDB struct {
	db *sql.DB
}

var _ storage.Database = (*SQLiteDB)(nil)

// migrationsDir copies the embedded migration files to a temp directory so
// they can be handed to migrate.New, which wants a real filesystem source.
func migrationsDir() (string, error) {
	tempDir, err := os.MkdirTemp("", "mint-migrations")
	if err != nil {
		return "", err
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		src, err := migrations.Open(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return "", err
		}

		dst, err := os.Create(filepath.Join(tempDir, entry.Name()))
		if err != nil {
			src.Close()
			return "", err
		}

		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return "", err
		}
	}

	return tempDir, nil
}

// InitSQLite opens (creating if absent) the mint's sqlite database at
// path/mint.sqlite.db and runs every pending migration forward. A db whose
// schema is newer than this binary's migrations knows about is left
// untouched and returns an error rather than risking silent data loss.
func InitSQLite(path string) (*SQLiteDB, error) {
	dbPath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %v", err)
	}
	db.SetMaxOpenConns(1)

	tempDir, err := migrationsDir()
	if err != nil {
		return nil, fmt.Errorf("staging migrations: %v", err)
	}
	defer os.RemoveAll(tempDir)

	m, err := migrate.New(fmt.Sprintf("file://%s", tempDir), fmt.Sprintf("sqlite3://%s", dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("running migrations: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) SaveSeed(ctx context.Context, seed []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO seed (id, seed) VALUES (?, ?)`, "id", hex.EncodeToString(seed))
	return err
}

func (s *SQLiteDB) GetSeed(ctx context.Context) ([]byte, error) {
	var hexSeed string
	row := s.db.QueryRowContext(ctx, "SELECT seed FROM seed WHERE id = ?", "id")
	if err := row.Scan(&hexSeed); err != nil {
		return nil, err
	}
	return hex.DecodeString(hexSeed)
}

func (s *SQLiteDB) SaveKeyset(ctx context.Context, keyset storage.DBKeyset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keysets (id, unit, active, seed, derivation_path_idx, input_fee_ppk, final_expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		keyset.Id, keyset.Unit, keyset.Active, keyset.Seed, keyset.DerivationPathIdx, keyset.InputFeePpk, keyset.FinalExpiry,
	)
	return err
}

func (s *SQLiteDB) GetKeysets(ctx context.Context) ([]storage.DBKeyset, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, unit, active, seed, derivation_path_idx, input_fee_ppk, final_expiry FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keysets []storage.DBKeyset
	for rows.Next() {
		var k storage.DBKeyset
		if err := rows.Scan(&k.Id, &k.Unit, &k.Active, &k.Seed, &k.DerivationPathIdx, &k.InputFeePpk, &k.FinalExpiry); err != nil {
			return nil, err
		}
		keysets = append(keysets, k)
	}
	return keysets, rows.Err()
}

func (s *SQLiteDB) UpdateKeysetActive(ctx context.Context, keysetId string, active bool) error {
	result, err := s.db.ExecContext(ctx, "UPDATE keysets SET active = ? WHERE id = ?", active, keysetId)
	if err != nil {
		return err
	}
	return expectOneRow(result, "keyset not found")
}

func (s *SQLiteDB) InsertReservation(ctx context.Context, proofs cashu.Proofs, operationId string, quoteId string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, proof := range proofs {
		y := proofY(proof)

		var existingState int
		var existingOp string
		err := tx.QueryRowContext(ctx, "SELECT state, operation_id FROM proofs WHERE y = ?", y).Scan(&existingState, &existingOp)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO proofs (y, amount, keyset_id, secret, c, witness, state, quote_id, operation_id, created_time)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))`,
				y, proof.Amount, proof.Id, proof.Secret, proof.C, nullableString(proof.Witness), storage.Pending, quoteId, operationId,
			)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		case storage.ProofState(existingState) == storage.Spent:
			return storage.ErrAttemptUpdateSpentProof
		case storage.ProofState(existingState) == storage.Pending && existingOp != operationId:
			return storage.ErrDuplicate
		default:
			if _, err := tx.ExecContext(ctx, "UPDATE proofs SET state = ?, operation_id = ? WHERE y = ?", storage.Pending, operationId, y); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (s *SQLiteDB) UpdateStates(ctx context.Context, ys []string, newState storage.ProofState) ([]storage.ProofState, error) {
	if len(ys) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	prior := make([]storage.ProofState, len(ys))
	query := `SELECT y, state FROM proofs WHERE y in (?` + strings.Repeat(",?", len(ys)-1) + `)`
	args := toArgs(ys)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	found := make(map[string]storage.ProofState, len(ys))
	for rows.Next() {
		var y string
		var st int
		if err := rows.Scan(&y, &st); err != nil {
			rows.Close()
			return nil, err
		}
		found[y] = storage.ProofState(st)
	}
	rows.Close()

	for i, y := range ys {
		st, ok := found[y]
		if !ok {
			return nil, storage.ErrProofNotFound
		}
		if st == storage.Spent {
			return nil, storage.ErrAttemptUpdateSpentProof
		}
		prior[i] = st
	}

	updateQuery := `UPDATE proofs SET state = ? WHERE y in (?` + strings.Repeat(",?", len(ys)-1) + `)`
	if _, err := tx.ExecContext(ctx, updateQuery, append([]any{newState}, args...)...); err != nil {
		return nil, err
	}

	return prior, tx.Commit()
}

func (s *SQLiteDB) Remove(ctx context.Context, ys []string) error {
	if len(ys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `SELECT count(*) FROM proofs WHERE state = ? AND y in (?` + strings.Repeat(",?", len(ys)-1) + `)`
	args := append([]any{storage.Spent}, toArgs(ys)...)
	var spentCount int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&spentCount); err != nil {
		return err
	}
	if spentCount > 0 {
		return storage.ErrAttemptRemoveSpentProof
	}

	deleteQuery := `DELETE FROM proofs WHERE y in (?` + strings.Repeat(",?", len(ys)-1) + `)`
	if _, err := tx.ExecContext(ctx, deleteQuery, toArgs(ys)...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) scanProofRows(rows *sql.Rows) ([]storage.DBProof, error) {
	defer rows.Close()
	var out []storage.DBProof
	for rows.Next() {
		var p storage.DBProof
		var witness sql.NullString
		var quoteId, operationId sql.NullString
		if err := rows.Scan(&p.Y, &p.Amount, &p.Id, &p.Secret, &p.C, &witness, &p.State, &quoteId, &operationId, &p.CreatedTime); err != nil {
			return nil, err
		}
		p.Witness = witness.String
		p.QuoteId = quoteId.String
		p.OperationId = operationId.String
		out = append(out, p)
	}
	return out, rows.Err()
}

const proofColumns = "y, amount, keyset_id, secret, c, witness, state, quote_id, operation_id, created_time"

func (s *SQLiteDB) Get(ctx context.Context, ys []string) ([]storage.DBProof, error) {
	if len(ys) == 0 {
		return nil, nil
	}
	query := `SELECT ` + proofColumns + ` FROM proofs WHERE y in (?` + strings.Repeat(",?", len(ys)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, toArgs(ys)...)
	if err != nil {
		return nil, err
	}
	return s.scanProofRows(rows)
}

func (s *SQLiteDB) ListByQuote(ctx context.Context, quoteId string) ([]storage.DBProof, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE quote_id = ?`, quoteId)
	if err != nil {
		return nil, err
	}
	return s.scanProofRows(rows)
}

func (s *SQLiteDB) ListByOperation(ctx context.Context, operationId string) ([]storage.DBProof, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE operation_id = ?`, operationId)
	if err != nil {
		return nil, err
	}
	return s.scanProofRows(rows)
}

func (s *SQLiteDB) SumRedeemedByKeyset(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT keyset_id, sum(amount) FROM proofs WHERE state = ? GROUP BY keyset_id", storage.Spent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		out[keysetId] = amount
	}
	return out, rows.Err()
}

func (s *SQLiteDB) SaveMintQuote(ctx context.Context, quote storage.MintQuote) error {
	var pubkey string
	if quote.Pubkey != nil {
		pubkey = hex.EncodeToString(quote.Pubkey.SerializeCompressed())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mint_quotes
		(id, unit, amount, payment_request, request_lookup_id, pubkey, expiry, state, amount_paid, amount_issued, payment_method, single_use, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quote.Id, quote.Unit, quote.Amount, quote.PaymentRequest, quote.RequestLookupId,
		nullableString(pubkey), quote.Expiry, quote.State.String(), quote.AmountPaid, quote.AmountIssued,
		quote.PaymentMethod, quote.SingleUse, quote.Pending,
	)
	return err
}

const mintQuoteColumns = "id, unit, amount, payment_request, request_lookup_id, pubkey, expiry, state, amount_paid, amount_issued, payment_method, single_use, pending"

func (s *SQLiteDB) scanMintQuote(row *sql.Row) (storage.MintQuote, error) {
	var q storage.MintQuote
	var state string
	var pubkey, lookupId sql.NullString

	err := row.Scan(&q.Id, &q.Unit, &q.Amount, &q.PaymentRequest, &lookupId, &pubkey, &q.Expiry, &state, &q.AmountPaid, &q.AmountIssued, &q.PaymentMethod, &q.SingleUse, &q.Pending)
	if err != nil {
		return storage.MintQuote{}, err
	}
	q.RequestLookupId = lookupId.String
	q.State, err = nut04.StringToState(state)
	if err != nil {
		return storage.MintQuote{}, err
	}
	if pubkey.Valid && pubkey.String != "" {
		raw, err := hex.DecodeString(pubkey.String)
		if err != nil {
			return storage.MintQuote{}, fmt.Errorf("invalid pubkey in db: %v", err)
		}
		pk, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return storage.MintQuote{}, fmt.Errorf("invalid pubkey in db: %v", err)
		}
		q.Pubkey = pk
	}
	return q, nil
}

func (s *SQLiteDB) attachPaymentIds(ctx context.Context, quote *storage.MintQuote) error {
	rows, err := s.db.QueryContext(ctx, "SELECT payment_id FROM mint_quote_payment_ids WHERE quote_id = ?", quote.Id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		quote.PaymentIds = append(quote.PaymentIds, id)
	}
	return rows.Err()
}

func (s *SQLiteDB) GetMintQuote(ctx context.Context, id string) (storage.MintQuote, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE id = ?", id)
	quote, err := s.scanMintQuote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrUnknownQuote
		}
		return storage.MintQuote{}, err
	}
	if err := s.attachPaymentIds(ctx, &quote); err != nil {
		return storage.MintQuote{}, err
	}
	return quote, nil
}

func (s *SQLiteDB) GetMintQuoteByLookupId(ctx context.Context, lookupId string) (storage.MintQuote, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE request_lookup_id = ?", lookupId)
	quote, err := s.scanMintQuote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrUnknownQuote
		}
		return storage.MintQuote{}, err
	}
	if err := s.attachPaymentIds(ctx, &quote); err != nil {
		return storage.MintQuote{}, err
	}
	return quote, nil
}

func (s *SQLiteDB) ListMintQuotesByState(ctx context.Context, state nut04.State) ([]storage.MintQuote, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE state = ?", state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.MintQuote
	for rows.Next() {
		var q storage.MintQuote
		var st string
		var pubkey, lookupId sql.NullString
		if err := rows.Scan(&q.Id, &q.Unit, &q.Amount, &q.PaymentRequest, &lookupId, &pubkey, &q.Expiry, &st, &q.AmountPaid, &q.AmountIssued, &q.PaymentMethod, &q.SingleUse, &q.Pending); err != nil {
			return nil, err
		}
		q.RequestLookupId = lookupId.String
		q.State, err = nut04.StringToState(st)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) IncrementAmountPaid(ctx context.Context, id string, delta uint64, paymentId string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if paymentId != "" {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM mint_quote_payment_ids WHERE quote_id = ? AND payment_id = ?", id, paymentId).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO mint_quote_payment_ids (quote_id, payment_id) VALUES (?, ?)", id, paymentId); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, "UPDATE mint_quotes SET amount_paid = amount_paid + ? WHERE id = ?", delta, id)
	if err != nil {
		return err
	}
	if err := expectOneRow(result, "mint quote not found"); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE mint_quotes SET state = ?
		WHERE id = ? AND state = ? AND amount_paid >= amount`,
		nut04.Paid.String(), id, nut04.Unpaid.String(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteDB) IncrementAmountIssued(ctx context.Context, id string, delta uint64) error {
	result, err := s.db.ExecContext(ctx, "UPDATE mint_quotes SET amount_issued = amount_issued + ? WHERE id = ?", delta, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "mint quote not found")
}

func (s *SQLiteDB) SetMintQuoteState(ctx context.Context, id string, state nut04.State) error {
	result, err := s.db.ExecContext(ctx, "UPDATE mint_quotes SET state = ? WHERE id = ?", state.String(), id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "mint quote not found")
}

// SetPending acquires the per-quote lock MintTokens holds while issuing
// signatures (spec.md §4.5 step 1). The UPDATE's WHERE clause is the
// compare-and-set: it only ever flips pending 0->1 for a quote that isn't
// already fully issued, so two concurrent callers can never both succeed
// (spec.md §5 "row-level locks keyed by quote id").
func (s *SQLiteDB) SetPending(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mint_quotes SET pending = 1
		WHERE id = ? AND pending = 0 AND NOT (single_use = 1 AND state = ?)`,
		id, nut04.Issued.String(),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE id = ?", id)
	quote, err := s.scanMintQuote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrUnknownQuote
		}
		return err
	}
	if quote.SingleUse && quote.State == nut04.Issued {
		return storage.ErrQuoteIssued
	}
	return storage.ErrQuotePending
}

// UnsetPending releases the lock acquired by SetPending.
func (s *SQLiteDB) UnsetPending(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE mint_quotes SET pending = 0 WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "mint quote not found")
}

func (s *SQLiteDB) RemoveMintQuote(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM mint_quotes WHERE id = ?", id)
	return err
}

func (s *SQLiteDB) SaveMeltQuote(ctx context.Context, quote storage.MeltQuote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO melt_quotes
		(id, unit, amount, fee_reserve, payment_request, request_lookup_id, state, preimage, created_time, paid_time, payment_method, options)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'), 0, ?, ?)`,
		quote.Id, quote.Unit, quote.Amount, quote.FeeReserve, quote.PaymentRequest, quote.RequestLookupId,
		quote.State.String(), quote.Preimage, quote.PaymentMethod, quote.Options,
	)
	return err
}

const meltQuoteColumns = "id, unit, amount, fee_reserve, payment_request, request_lookup_id, state, preimage, created_time, paid_time, payment_method, options"

func (s *SQLiteDB) scanMeltQuote(row *sql.Row) (storage.MeltQuote, error) {
	var q storage.MeltQuote
	var state string
	var preimage, lookupId sql.NullString
	var options []byte

	err := row.Scan(&q.Id, &q.Unit, &q.Amount, &q.FeeReserve, &q.PaymentRequest, &lookupId, &state, &preimage, &q.CreatedTime, &q.PaidTime, &q.PaymentMethod, &options)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	q.RequestLookupId = lookupId.String
	q.Preimage = preimage.String
	q.Options = options
	q.State, err = nut05.StringToState(state)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	return q, nil
}

func (s *SQLiteDB) GetMeltQuote(ctx context.Context, id string) (storage.MeltQuote, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE id = ?", id)
	q, err := s.scanMeltQuote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MeltQuote{}, storage.ErrUnknownQuote
	}
	return q, err
}

func (s *SQLiteDB) GetMeltQuoteByLookupId(ctx context.Context, lookupId string) (*storage.MeltQuote, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE request_lookup_id = ?", lookupId)
	q, err := s.scanMeltQuote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUnknownQuote
		}
		return nil, err
	}
	return &q, nil
}

func (s *SQLiteDB) UpdateMeltQuoteState(ctx context.Context, id string, newState nut05.State, preimage string) (nut05.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var priorStr string
	if err := tx.QueryRowContext(ctx, "SELECT state FROM melt_quotes WHERE id = ?", id).Scan(&priorStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrUnknownQuote
		}
		return 0, err
	}
	prior, err := nut05.StringToState(priorStr)
	if err != nil {
		return 0, err
	}

	if preimage != "" {
		if _, err := tx.ExecContext(ctx, "UPDATE melt_quotes SET state = ?, preimage = ?, paid_time = strftime('%s','now') WHERE id = ?", newState.String(), preimage, id); err != nil {
			return 0, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, "UPDATE melt_quotes SET state = ? WHERE id = ?", newState.String(), id); err != nil {
			return 0, err
		}
	}

	return prior, tx.Commit()
}

func (s *SQLiteDB) UpdateMeltQuoteLookupId(ctx context.Context, id string, lookupId string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE melt_quotes SET request_lookup_id = ? WHERE id = ?", lookupId, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, "melt quote not found")
}

func (s *SQLiteDB) RemoveMeltQuote(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM melt_quotes WHERE id = ?", id)
	return err
}

func (s *SQLiteDB) SaveMeltRequestInfo(ctx context.Context, info storage.MeltRequestInfo) error {
	outputs, err := json.Marshal(info.ChangeOutputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO melt_request_info (quote_id, inputs_amount, inputs_fee, change_outputs) VALUES (?, ?, ?, ?)
		ON CONFLICT(quote_id) DO UPDATE SET inputs_amount = excluded.inputs_amount, inputs_fee = excluded.inputs_fee, change_outputs = excluded.change_outputs`,
		info.QuoteId, info.InputsAmount, info.InputsFee, outputs,
	)
	return err
}

func (s *SQLiteDB) GetMeltRequestInfo(ctx context.Context, quoteId string) (*storage.MeltRequestInfo, error) {
	var info storage.MeltRequestInfo
	var outputs []byte
	row := s.db.QueryRowContext(ctx, "SELECT quote_id, inputs_amount, inputs_fee, change_outputs FROM melt_request_info WHERE quote_id = ?", quoteId)
	if err := row.Scan(&info.QuoteId, &info.InputsAmount, &info.InputsFee, &outputs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &info.ChangeOutputs); err != nil {
			return nil, err
		}
	}
	return &info, nil
}

func (s *SQLiteDB) RemoveMeltRequestInfo(ctx context.Context, quoteId string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM melt_request_info WHERE quote_id = ?", quoteId)
	return err
}

func (s *SQLiteDB) SaveBlindSignatures(ctx context.Context, outputs cashu.BlindedMessages, signatures cashu.BlindedSignatures, quoteId string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s, quote_id) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sig := range signatures {
		var e, sVal string
		if sig.DLEQ != nil {
			e, sVal = sig.DLEQ.E, sig.DLEQ.S
		}
		if _, err := stmt.ExecContext(ctx, outputs[i].B_, sig.C_, sig.Id, sig.Amount, nullableString(e), nullableString(sVal), nullableString(quoteId)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func scanSignature(scan func(dest ...any) error) (cashu.BlindedSignature, error) {
	var sig cashu.BlindedSignature
	var e, sVal sql.NullString
	if err := scan(&sig.Amount, &sig.C_, &sig.Id, &e, &sVal); err != nil {
		return cashu.BlindedSignature{}, err
	}
	if e.Valid && sVal.Valid {
		sig.DLEQ = &cashu.DLEQProof{E: e.String, S: sVal.String}
	}
	return sig, nil
}

func (s *SQLiteDB) GetBlindSignature(ctx context.Context, B_ string) (cashu.BlindedSignature, error) {
	row := s.db.QueryRowContext(ctx, "SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)
	return scanSignature(row.Scan)
}

func (s *SQLiteDB) GetBlindSignatures(ctx context.Context, B_s []string) (cashu.BlindedSignatures, error) {
	if len(B_s) == 0 {
		return nil, nil
	}
	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ in (?` + strings.Repeat(",?", len(B_s)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, toArgs(B_s)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out cashu.BlindedSignatures
	for rows.Next() {
		sig, err := scanSignature(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) GetBlindSignaturesByQuote(ctx context.Context, quoteId string) (cashu.BlindedSignatures, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE quote_id = ?", quoteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out cashu.BlindedSignatures
	for rows.Next() {
		sig, err := scanSignature(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) SaveSaga(ctx context.Context, saga storage.Saga) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sagas (operation_id, kind, state, quote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s','now'), strftime('%s','now'))`,
		saga.OperationId, saga.Kind, saga.State, nullableString(saga.QuoteId),
	)
	return err
}

func (s *SQLiteDB) UpdateSagaState(ctx context.Context, operationId string, state []byte) error {
	result, err := s.db.ExecContext(ctx, "UPDATE sagas SET state = ?, updated_at = strftime('%s','now') WHERE operation_id = ?", state, operationId)
	if err != nil {
		return err
	}
	return expectOneRow(result, "saga not found")
}

func (s *SQLiteDB) GetSaga(ctx context.Context, operationId string) (*storage.Saga, error) {
	var saga storage.Saga
	var quoteId sql.NullString
	row := s.db.QueryRowContext(ctx, "SELECT operation_id, kind, state, quote_id, created_at, updated_at FROM sagas WHERE operation_id = ?", operationId)
	err := row.Scan(&saga.OperationId, &saga.Kind, &saga.State, &quoteId, &saga.CreatedAt, &saga.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	saga.QuoteId = quoteId.String
	return &saga, nil
}

func (s *SQLiteDB) ListSagasByKind(ctx context.Context, kind storage.SagaKind) ([]storage.Saga, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT operation_id, kind, state, quote_id, created_at, updated_at FROM sagas WHERE kind = ? ORDER BY created_at ASC", kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Saga
	for rows.Next() {
		var saga storage.Saga
		var quoteId sql.NullString
		if err := rows.Scan(&saga.OperationId, &saga.Kind, &saga.State, &quoteId, &saga.CreatedAt, &saga.UpdatedAt); err != nil {
			return nil, err
		}
		saga.QuoteId = quoteId.String
		out = append(out, saga)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) RemoveSaga(ctx context.Context, operationId string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sagas WHERE operation_id = ?", operationId)
	return err
}

func (s *SQLiteDB) GetKeysetAmounts(ctx context.Context, keysetId string) (storage.KeysetAmounts, error) {
	amounts := storage.KeysetAmounts{KeysetId: keysetId}
	row := s.db.QueryRowContext(ctx, "SELECT coalesce(sum(amount),0) FROM blind_signatures WHERE keyset_id = ?", keysetId)
	if err := row.Scan(&amounts.TotalIssued); err != nil {
		return storage.KeysetAmounts{}, err
	}
	row = s.db.QueryRowContext(ctx, "SELECT coalesce(sum(amount),0) FROM proofs WHERE keyset_id = ? AND state = ?", keysetId, storage.Spent)
	if err := row.Scan(&amounts.TotalRedeemed); err != nil {
		return storage.KeysetAmounts{}, err
	}
	return amounts, nil
}

func (s *SQLiteDB) GetIssuedEcash(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT keyset_id, sum(amount) FROM blind_signatures GROUP BY keyset_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		out[keysetId] = amount
	}
	return out, rows.Err()
}

func (s *SQLiteDB) GetRedeemedEcash(ctx context.Context) (map[string]uint64, error) {
	return s.SumRedeemedByKeyset(ctx)
}

func (s *SQLiteDB) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	row := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *SQLiteDB) SetConfig(ctx context.Context, key string, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func expectOneRow(result sql.Result, notFoundMsg string) error {
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New(notFoundMsg)
	}
	return nil
}

func toArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
