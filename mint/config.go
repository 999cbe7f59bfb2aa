package mint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/cashubtc/cdk-sub008/cashu/nuts/nut06"
	"github.com/cashubtc/cdk-sub008/mint/lightning"
	"github.com/cashubtc/cdk-sub008/mint/storage"
	"github.com/cashubtc/cdk-sub008/mint/storage/sqlite"
)

// Config is everything LoadMint needs to wire a Mint together: where it
// persists state, which unit/derivation it signs under, and its operator
// limits. Grounded on the teacher's Config in config.go, extended with
// Unit/MaxOrder per spec.md §4.2 (the teacher hardcodes "sat").
type Config struct {
	DerivationPathIdx uint32
	Port              string
	DBPath            string
	Unit              string
	MaxOrder          int
	InputFeePpk       uint
	LightningBackend  string
	LogLevel          slog.Level
	CacheTTLSeconds   int
	MintInfo          nut06.MintInfo
	Limits            MintLimits
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}

// GetConfig reads mint configuration from the process environment, the way
// the teacher's config.go does (no separate config-file parser is in
// scope; spec.md §1 names "configuration loading" itself out of core
// scope, but the env-var shape it's loaded into is part of the ambient
// stack every cmd/ entrypoint needs).
func GetConfig() Config {
	var inputFeePpk uint
	if v, ok := os.LookupEnv("INPUT_FEE_PPK"); ok {
		fee, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			log.Fatalf("invalid INPUT_FEE_PPK: %v", err)
		}
		inputFeePpk = uint(fee)
	}

	var derivationPathIdx uint64
	if v, ok := os.LookupEnv("DERIVATION_PATH_IDX"); ok {
		var err error
		derivationPathIdx, err = strconv.ParseUint(v, 10, 32)
		if err != nil {
			log.Fatalf("invalid DERIVATION_PATH_IDX: %v", err)
		}
	}

	unit := os.Getenv("MINT_UNIT")
	if unit == "" {
		unit = "sat"
	}

	maxOrder := 0
	if v, ok := os.LookupEnv("MINT_MAX_ORDER"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("invalid MINT_MAX_ORDER: %v", err)
		}
		maxOrder = n
	}

	mintLimits := MintLimits{}
	if v, ok := os.LookupEnv("MAX_BALANCE"); ok {
		maxBalance, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			log.Fatalf("invalid MAX_BALANCE: %v", err)
		}
		mintLimits.MaxBalance = maxBalance
	}
	if v, ok := os.LookupEnv("MINTING_MAX_AMOUNT"); ok {
		maxMint, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			log.Fatalf("invalid MINTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MintingSettings = MintMethodSettings{MaxAmount: maxMint}
	}
	if v, ok := os.LookupEnv("MELTING_MAX_AMOUNT"); ok {
		maxMelt, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			log.Fatalf("invalid MELTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MeltingSettings = MeltMethodSettings{MaxAmount: maxMelt}
	}

	logLevel := slog.LevelInfo
	if strings.ToLower(os.Getenv("LOG")) == "debug" {
		logLevel = slog.LevelDebug
	}

	cacheTTL := 60
	if v, ok := os.LookupEnv("NUT19_CACHE_TTL_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("invalid NUT19_CACHE_TTL_SECONDS: %v", err)
		}
		cacheTTL = n
	}

	mintInfo := nut06.MintInfo{
		Name:            os.Getenv("MINT_NAME"),
		Version:         "cdk-sub008/0.1.0",
		Description:     os.Getenv("MINT_DESCRIPTION"),
		LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
		Motd:            os.Getenv("MINT_MOTD"),
	}
	if contact := os.Getenv("MINT_CONTACT_INFO"); contact != "" {
		var infoArr [][]string
		if err := json.Unmarshal([]byte(contact), &infoArr); err != nil {
			log.Fatalf("error parsing contact info: %v", err)
		}
		for _, info := range infoArr {
			mintInfo.Contact = append(mintInfo.Contact, nut06.ContactInfo{Method: info[0], Info: info[1]})
		}
	}

	backend := os.Getenv("LIGHTNING_BACKEND")
	if backend == "" {
		backend = "FakeBackend"
	}

	dbPath := os.Getenv("MINT_DB_PATH")
	if dbPath == "" {
		homedir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("error resolving home dir: %v", err)
		}
		dbPath = filepath.Join(homedir, ".cdk-sub008", "mint")
	}

	return Config{
		DerivationPathIdx: uint32(derivationPathIdx),
		Port:              os.Getenv("MINT_PORT"),
		DBPath:            dbPath,
		Unit:              unit,
		MaxOrder:          maxOrder,
		InputFeePpk:       inputFeePpk,
		LightningBackend:  backend,
		LogLevel:          logLevel,
		CacheTTLSeconds:   cacheTTL,
		MintInfo:          mintInfo,
		Limits:            mintLimits,
	}
}

// log is a package-level fallback used only by GetConfig, which runs before
// any Mint (and its configured slog.Logger) exists.
var log = stdlibLog{}

type stdlibLog struct{}

func (stdlibLog) Fatalf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

// loadOrCreateSeed loads the mint's master seed, generating and persisting
// a fresh one on first run (spec.md §4.2: "persist so that id reproduction
// is possible across restarts without recomputation"). Grounded on the
// teacher's LoadMint in mint.go.
func loadOrCreateSeed(ctx context.Context, db storage.Database) ([]byte, error) {
	seed, err := db.GetSeed(ctx)
	if err == nil && len(seed) > 0 {
		return seed, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, storage.ErrProofNotFound) {
		return nil, err
	}

	seed, err = hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, err
	}
	if err := db.SaveSeed(ctx, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// newLightningBackend selects a Backend implementation by name. Only
// FakeBackend ships here: concrete backends (LND, CLN, ...) are an explicit
// Non-goal (spec.md §1), but the switch keeps the shape an operator would
// extend to plug in a real one.
func newLightningBackend(name string) (lightning.Backend, error) {
	switch name {
	case "FakeBackend":
		return lightning.NewFakeBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported lightning backend %q: only FakeBackend ships in this core; real backends are consumed via the lightning.Backend interface", name)
	}
}

// LoadMint wires a Mint around a fresh or existing sqlite database: it
// opens storage, loads (or generates) the master seed, derives the
// Signatory's keysets, selects the configured Lightning backend, and runs
// startup recovery before returning (spec.md §4.8 "must run once, before
// the mint accepts requests").
func LoadMint(ctx context.Context, config Config) (*Mint, error) {
	if err := os.MkdirAll(config.DBPath, 0700); err != nil {
		return nil, fmt.Errorf("creating mint db path: %v", err)
	}

	logger, err := setupLogger(config.DBPath, config.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.InitSQLite(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}

	seed, err := loadOrCreateSeed(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("error loading seed: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key: %v", err)
	}

	signatory, err := NewSignatory(ctx, master, db, config.Unit, config.MaxOrder, config.InputFeePpk)
	if err != nil {
		return nil, fmt.Errorf("error loading keysets: %v", err)
	}

	backend, err := newLightningBackend(config.LightningBackend)
	if err != nil {
		return nil, err
	}

	m := NewMint(db, signatory, backend, config.Limits, logger)
	m.SetMintInfo(config.MintInfo)

	if err := m.Recover(ctx); err != nil {
		return nil, fmt.Errorf("error running startup recovery: %v", err)
	}

	return m, nil
}
