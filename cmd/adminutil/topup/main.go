package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sudo-init-do/gighub/internal/config"
	"github.com/sudo-init-do/gighub/internal/db"
	"github.com/sudo-init-do/gighub/internal/logging"
	"github.com/sudo-init-do/gighub/internal/wallet"
)

// topup credits a user's wallet from the mint.
// Usage:
//
//	go run ./cmd/adminutil/topup -user <user id> -amount 500
func main() {
	userID := flag.String("user", "", "User whose wallet is credited")
	amount := flag.Int64("amount", 0, "Amount in smallest currency units")
	memo := flag.String("memo", "operator top-up", "Ledger memo")
	flag.Parse()

	if *userID == "" || *amount <= 0 {
		logrus.Fatal("usage: go run ./cmd/adminutil/topup -user <user id> -amount 500")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("could not load configuration")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("could not build logger")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN(), log)
	if err != nil {
		log.WithError(err).Fatal("could not connect to database")
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool, log); err != nil {
		log.WithError(err).Fatal("could not ensure schema")
	}

	ledger := wallet.NewPGLedger(pool)
	receipt, err := ledger.Credit(ctx, wallet.UserAccount(*userID), *amount, *memo)
	if err != nil {
		log.WithError(err).Fatal("failed to credit wallet")
	}
	balance, err := ledger.BalanceOf(ctx, wallet.UserAccount(*userID))
	if err != nil {
		log.WithError(err).Fatal("credited but could not read balance")
	}
	fmt.Printf("Credited %d to %s (transfer %s). Balance: %d\n", *amount, *userID, receipt.TransferID, balance)
}
