package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/cashubtc/cdk-sub008/mint"
)

const keysetFlag = "keyset"

// mint-admin operates directly against the mint's own storage rather than
// over HTTP: this repo's httpapi package only exposes the §6.1 wallet-facing
// endpoint table (spec.md's Non-goals keep an operator/management API out of
// core scope), so an operator tool opens the same sqlite file mintd runs
// against, the way an embedded admin console would.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading configuration from the environment directly")
	}

	app := &cli.App{
		Name:  "mint-admin",
		Usage: "operator tool for a cdk-sub008 mint",
		Commands: []*cli.Command{
			{
				Name:   "keysets",
				Usage:  "list known keysets",
				Action: listKeysets,
			},
			{
				Name:  "balance",
				Usage: "report issued/redeemed totals for a keyset",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: keysetFlag, Required: true, Usage: "keyset id"},
				},
				Action: keysetBalance,
			},
			{
				Name:  "rotate-keyset",
				Usage: "retire the active keyset for a unit and activate a freshly derived one",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "unit", Value: "sat"},
					&cli.IntFlag{Name: "fee", Usage: "input fee (ppk) for the new keyset"},
					&cli.IntFlag{Name: "max-order", Value: 64, Usage: "max order for the new keyset"},
				},
				Action: rotateKeyset,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadMint(ctx *cli.Context) (*mint.Mint, error) {
	return mint.LoadMint(context.Background(), mint.GetConfig())
}

func listKeysets(cctx *cli.Context) error {
	m, err := loadMint(cctx)
	if err != nil {
		return err
	}

	for _, ks := range m.ListKeysetInfo() {
		fmt.Printf("id: %v  unit: %v  active: %v  fee: %v\n", ks.Id, ks.Unit, ks.Active, ks.InputFeePpk)
	}
	return nil
}

func keysetBalance(cctx *cli.Context) error {
	m, err := loadMint(cctx)
	if err != nil {
		return err
	}

	amounts, err := m.KeysetBalance(context.Background(), cctx.String(keysetFlag))
	if err != nil {
		return err
	}

	fmt.Printf("keyset: %v\nissued: %v\nredeemed: %v\noutstanding: %v\n",
		amounts.KeysetId, amounts.TotalIssued, amounts.TotalRedeemed, amounts.TotalIssued-amounts.TotalRedeemed)
	return nil
}

func rotateKeyset(cctx *cli.Context) error {
	m, err := loadMint(cctx)
	if err != nil {
		return err
	}

	fee := cctx.Int("fee")
	if fee < 0 {
		return fmt.Errorf("invalid fee: %v", strconv.Itoa(fee))
	}

	info, err := m.RotateKeyset(context.Background(), cctx.String("unit"), cctx.Int("max-order"), uint(fee))
	if err != nil {
		return err
	}

	fmt.Printf("rotated in new keyset: %v\n", info.Id)
	return nil
}
