package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sudo-init-do/gighub/internal/config"
	"github.com/sudo-init-do/gighub/internal/db"
	"github.com/sudo-init-do/gighub/internal/logging"
	"github.com/sudo-init-do/gighub/internal/marketplace"
	"github.com/sudo-init-do/gighub/internal/wallet"
)

// retry_payouts re-attempts the unpaid payouts of a finished job, or the
// refund of a cancelled one, on behalf of its owner.
// Usage:
//
//	go run ./cmd/adminutil/retry_payouts -job <job id> -owner <owner id>
func main() {
	jobID := flag.String("job", "", "Job whose outstanding transfers should be retried")
	ownerID := flag.String("owner", "", "Owner of the job")
	flag.Parse()

	if *jobID == "" || *ownerID == "" {
		logrus.Fatal("usage: go run ./cmd/adminutil/retry_payouts -job <job id> -owner <owner id>")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("could not load configuration")
	}
	if cfg.Store != "postgres" {
		logrus.Fatal("retry_payouts needs STORE=postgres")
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

	agent := wallet.NewEscrowAgent(wallet.NewPGLedger(pool),
		wallet.WithTimeout(cfg.LedgerTimeout),
		wallet.WithLogger(log),
	)
	basis, err := marketplace.ParseSalaryBasis(cfg.SalaryBasis)
	if err != nil {
		log.WithError(err).Fatal("invalid salary basis")
	}
	coord := marketplace.NewCoordinator(marketplace.NewPGRegistry(pool), agent,
		marketplace.WithSalaryBasis(basis),
		marketplace.WithStaleAfter(2*cfg.LedgerTimeout),
		marketplace.WithLogger(log),
	)

	outcomes, err := coord.RetryPayouts(ctx, *jobID, *ownerID)
	if err != nil {
		log.WithError(err).Fatal("retry failed")
	}
	if len(outcomes) == 0 {
		fmt.Printf("Job %s owes nothing.\n", *jobID)
		return
	}
	for _, o := range outcomes {
		status := "paid"
		if !o.OK() {
			status = "failed: " + o.Reason
		}
		fmt.Printf("%s\t%d\t%s\n", o.WorkerID, o.Amount, status)
	}
	if len(outcomes.Failed()) > 0 {
		os.Exit(1)
	}
}
