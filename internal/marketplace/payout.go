package marketplace

import (
	"errors"

	"github.com/sudo-init-do/gighub/internal/wallet"
)

var errNoWorkers = errors.New("worker count must be positive")

// Split divides total evenly across workers using floor division. The
// remainder, at most workers-1 units, is not paid to anyone and stays in the
// job's escrow account.
func Split(total int64, workers int) (perWorker, remainder int64, err error) {
	if workers <= 0 {
		return 0, 0, errNoWorkers
	}
	if total < 0 {
		return 0, 0, wallet.ErrInvalidAmount
	}
	perWorker = total / int64(workers)
	remainder = total - perWorker*int64(workers)
	return perWorker, remainder, nil
}
