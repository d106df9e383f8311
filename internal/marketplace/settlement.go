package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sudo-init-do/gighub/internal/wallet"
)

type step int

const (
	// stepRun means the caller owns the intent and must send the transfer.
	stepRun step = iota
	// stepDone means the transfer already settled.
	stepDone
)

// claim takes ownership of the single transfer allowed for (job, kind, user).
// If an earlier attempt left an intent behind, its settlement is resolved
// against the ledger before anything is sent again.
func (c *Coordinator) claim(ctx context.Context, jobID string, kind IntentKind, userID string, amount int64) (TransferIntent, step, error) {
	in, err := c.journal.RecordIntent(ctx, TransferIntent{
		TransferID: wallet.NewTransferID(),
		JobID:      jobID,
		UserID:     userID,
		Kind:       kind,
		Amount:     amount,
	})
	if err == nil {
		return in, stepRun, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return TransferIntent{}, stepRun, err
	}
	existing, err := c.journal.GetIntent(ctx, jobID, kind, userID)
	if err != nil {
		return TransferIntent{}, stepRun, err
	}
	return c.resume(ctx, existing, amount)
}

// resume decides what an intent written by an earlier attempt needs. A fresh
// pending intent belongs to a session still in flight and is left alone.
func (c *Coordinator) resume(ctx context.Context, in TransferIntent, amount int64) (TransferIntent, step, error) {
	switch in.Status {
	case IntentSucceeded:
		return in, stepDone, nil
	case IntentPending:
		if c.now().Sub(in.UpdatedAt) < c.staleAfter {
			return in, stepRun, ErrSettlementPending
		}
	case IntentFailed, IntentUnknown:
	default:
		return in, stepRun, fmt.Errorf("transfer intent %s has unexpected status %q", in.ID, in.Status)
	}
	return c.reconcile(ctx, in, amount)
}

// reconcile asks the ledger what became of the intent's last transfer id and
// only reissues the transfer, under a new id, when the ledger never saw it.
func (c *Coordinator) reconcile(ctx context.Context, in TransferIntent, amount int64) (TransferIntent, step, error) {
	st, err := c.escrow.TransferStatus(ctx, in.TransferID)
	if err != nil {
		return in, stepRun, err
	}
	switch st {
	case wallet.StatusSettled:
		resolved, err := c.journal.ResolveIntent(ctx, in.ID, IntentSucceeded, "")
		if err != nil {
			return in, stepRun, err
		}
		return resolved, stepDone, nil
	case wallet.StatusPending:
		return in, stepRun, ErrSettlementPending
	}
	reopened, err := c.journal.ReopenIntent(ctx, in.ID, in.Status, wallet.NewTransferID(), amount)
	if err != nil {
		return in, stepRun, err
	}
	return reopened, stepRun, nil
}

// record stores a transfer's outcome. If the journal write fails the intent
// stays pending and is reconciled by status once it goes stale.
func (c *Coordinator) record(ctx context.Context, in TransferIntent, transferErr error) TransferIntent {
	status, reason := IntentSucceeded, ""
	if transferErr != nil {
		status, reason = IntentFailed, transferErr.Error()
		if wallet.IsUnknownSettlement(transferErr) {
			status = IntentUnknown
		}
	}
	out, err := c.journal.ResolveIntent(ctx, in.ID, status, reason)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"job_id":      in.JobID,
			"user_id":     in.UserID,
			"amount":      in.Amount,
			"transfer_id": in.TransferID,
		}).WithError(err).Error("could not record transfer outcome")
		in.Status, in.Reason = status, reason
		return in
	}
	return out
}

func (c *Coordinator) deposit(ctx context.Context, job Job, required int64) (TransferIntent, *wallet.Receipt, error) {
	in, st, err := c.claim(ctx, job.ID, KindDeposit, job.OwnerID, required)
	if err != nil {
		return in, nil, err
	}
	if st == stepDone {
		return in, nil, nil
	}

	available, err := c.escrow.Balance(ctx, job.OwnerID)
	if err != nil {
		c.record(ctx, in, err)
		return in, nil, err
	}
	if available < in.Amount {
		c.record(ctx, in, wallet.ErrInsufficientFunds)
		return in, nil, &InsufficientFundsError{Required: in.Amount, Available: available}
	}

	receipt, err := c.escrow.DepositToEscrow(ctx, job.OwnerID, job.ID, in.Amount, wallet.WithTransferID(in.TransferID))
	in = c.record(ctx, in, err)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			if avail, berr := c.escrow.Balance(ctx, job.OwnerID); berr == nil {
				return in, nil, &InsufficientFundsError{Required: in.Amount, Available: avail}
			}
		}
		return in, nil, err
	}
	return in, &receipt, nil
}

// refund returns a settled deposit to the job owner, at most once per job.
func (c *Coordinator) refund(ctx context.Context, job Job, deposit TransferIntent) wallet.PayoutOutcome {
	out := wallet.PayoutOutcome{WorkerID: job.OwnerID, Amount: deposit.Amount}
	in, st, err := c.claim(ctx, job.ID, KindRefund, job.OwnerID, deposit.Amount)
	out.TransferID = in.TransferID
	if err == nil && st == stepRun {
		var receipt wallet.Receipt
		receipt, err = c.escrow.Refund(ctx, job.ID, job.OwnerID, in.Amount, wallet.WithTransferID(in.TransferID))
		c.record(ctx, in, err)
		if err == nil {
			out.Receipt = &receipt
		}
	}
	if err != nil {
		out.Err, out.Reason = err, err.Error()
		c.log.WithFields(logrus.Fields{
			"job_id":      job.ID,
			"user_id":     job.OwnerID,
			"amount":      deposit.Amount,
			"transfer_id": in.TransferID,
		}).WithError(err).Warn("escrow refund failed")
	}
	return out
}

// releaseLeftoverDeposit refunds a deposit an interrupted start left in the
// escrow of a job that never became ongoing.
func (c *Coordinator) releaseLeftoverDeposit(ctx context.Context, job Job) (wallet.PayoutOutcome, bool) {
	deposit, err := c.journal.GetIntent(ctx, job.ID, KindDeposit, job.OwnerID)
	if errors.Is(err, ErrNotFound) {
		return wallet.PayoutOutcome{}, false
	}
	if err == nil {
		var settled bool
		settled, err = c.depositSettled(ctx, deposit)
		if err == nil && !settled {
			return wallet.PayoutOutcome{}, false
		}
		if err == nil {
			return c.refund(ctx, job, deposit), true
		}
	}
	c.log.WithFields(logrus.Fields{"job_id": job.ID, "user_id": job.OwnerID}).WithError(err).
		Warn("could not determine leftover escrow deposit")
	return wallet.PayoutOutcome{WorkerID: job.OwnerID, Err: err, Reason: err.Error()}, true
}

func (c *Coordinator) depositSettled(ctx context.Context, in TransferIntent) (bool, error) {
	switch in.Status {
	case IntentSucceeded:
		return true, nil
	case IntentPending:
		if c.now().Sub(in.UpdatedAt) < c.staleAfter {
			// The start still in flight refunds on its own when its flip fails
			return false, nil
		}
	}
	st, err := c.escrow.TransferStatus(ctx, in.TransferID)
	if err != nil {
		return false, err
	}
	switch st {
	case wallet.StatusSettled:
		if _, err := c.journal.ResolveIntent(ctx, in.ID, IntentSucceeded, ""); err != nil {
			return false, err
		}
		return true, nil
	case wallet.StatusPending:
		return false, ErrSettlementPending
	}
	if in.Status != IntentFailed {
		if _, err := c.journal.ResolveIntent(ctx, in.ID, IntentFailed, "transfer never settled"); err != nil {
			return false, err
		}
	}
	return false, nil
}

// FinishJob pays every accepted worker an equal share of the deposit and
// moves the job to Finished. Payout failures are returned per worker and do
// not block the transition.
func (c *Coordinator) FinishJob(ctx context.Context, jobID, actorID string) (FinishResult, error) {
	const op = "finish"
	job, err := c.registry.GetJob(ctx, jobID)
	if err != nil {
		return FinishResult{}, opErr(op, jobID, actorID, 0, err)
	}
	if job.OwnerID != actorID {
		return FinishResult{}, opErr(op, jobID, actorID, 0, ErrNotAuthorized)
	}
	if job.Status != StatusOngoing {
		return FinishResult{}, opErr(op, jobID, actorID, 0, ErrWrongState)
	}

	deposit, err := c.journal.GetIntent(ctx, jobID, KindDeposit, job.OwnerID)
	if err != nil {
		return FinishResult{}, opErr(op, jobID, actorID, 0, fmt.Errorf("load escrow deposit: %w", err))
	}
	if deposit.Status != IntentSucceeded {
		return FinishResult{}, opErr(op, jobID, actorID, deposit.Amount,
			fmt.Errorf("escrow deposit is %s, not settled", deposit.Status))
	}

	applicants, err := c.registry.ListApplicants(ctx, jobID)
	if err != nil {
		return FinishResult{}, opErr(op, jobID, actorID, 0, err)
	}
	accepted := acceptedOf(applicants)
	perWorker, remainder, err := Split(deposit.Amount, len(accepted))
	if err != nil {
		return FinishResult{}, opErr(op, jobID, actorID, deposit.Amount, ErrNoAcceptedWorkers)
	}

	claims := make([]payoutClaim, 0, len(accepted))
	for _, a := range accepted {
		in, st, err := c.claim(ctx, jobID, KindPayout, a.UserID, perWorker)
		claims = append(claims, payoutClaim{workerID: a.UserID, amount: perWorker, intent: in, step: st, err: err})
	}
	payouts := c.settlePayouts(ctx, jobID, claims)

	finished, err := c.registry.SetJobStatus(ctx, jobID, StatusOngoing, StatusFinished)
	if errors.Is(err, ErrConflict) {
		current, gerr := c.registry.GetJob(ctx, jobID)
		if gerr == nil && current.Status == StatusFinished {
			finished, err = current, nil
		}
	}
	result := FinishResult{Job: job, PerWorker: perWorker, Remainder: remainder, Payouts: payouts}
	if err != nil {
		// Payouts are journaled; finishing again resumes them without paying twice
		return result, opErr(op, jobID, actorID, deposit.Amount, err)
	}
	result.Job = finished

	fields := logrus.Fields{
		"job_id":     jobID,
		"user_id":    actorID,
		"amount":     deposit.Amount,
		"per_worker": perWorker,
		"remainder":  remainder,
		"failed":     len(payouts.Failed()),
	}
	c.log.WithFields(fields).Info("job finished")

	c.emit(ctx, Event{
		Type:       EventJobFinished,
		JobID:      jobID,
		JobTitle:   job.Title,
		ActorID:    actorID,
		Recipients: userIDs(accepted),
		Amount:     perWorker,
		Message:    job.Title + " is finished",
	})
	c.notifyPayoutFailures(ctx, job, payouts)

	ratings, err := c.ratings.Outstanding(ctx, jobID)
	if err != nil {
		c.log.WithField("job_id", jobID).WithError(err).Warn("could not load ratings after finish")
	}
	result.Ratings = ratings
	return result, nil
}

// RetryPayouts re-attempts the transfers a finished or cancelled job still
// owes: unpaid worker payouts, or the refund of a leftover deposit. Each
// earlier transfer id is checked with the ledger before a new one is sent.
func (c *Coordinator) RetryPayouts(ctx context.Context, jobID, actorID string) (wallet.PayoutBatchResult, error) {
	const op = "retry payouts"
	job, err := c.registry.GetJob(ctx, jobID)
	if err != nil {
		return nil, opErr(op, jobID, actorID, 0, err)
	}
	if job.OwnerID != actorID {
		return nil, opErr(op, jobID, actorID, 0, ErrNotAuthorized)
	}

	switch job.Status {
	case StatusCancelled:
		outcome, ok := c.releaseLeftoverDeposit(ctx, job)
		if !ok {
			return wallet.PayoutBatchResult{}, nil
		}
		return wallet.PayoutBatchResult{outcome}, nil
	case StatusFinished:
	default:
		return nil, opErr(op, jobID, actorID, 0, ErrWrongState)
	}

	deposit, err := c.journal.GetIntent(ctx, jobID, KindDeposit, job.OwnerID)
	if err != nil {
		return nil, opErr(op, jobID, actorID, 0, fmt.Errorf("load escrow deposit: %w", err))
	}
	applicants, err := c.registry.ListApplicants(ctx, jobID)
	if err != nil {
		return nil, opErr(op, jobID, actorID, 0, err)
	}
	accepted := acceptedOf(applicants)
	perWorker, _, err := Split(deposit.Amount, len(accepted))
	if err != nil {
		return nil, opErr(op, jobID, actorID, deposit.Amount, ErrNoAcceptedWorkers)
	}

	intents, err := c.journal.ListIntents(ctx, jobID)
	if err != nil {
		return nil, opErr(op, jobID, actorID, 0, err)
	}
	paid := make(map[string]bool, len(intents))
	for _, in := range intents {
		if in.Kind == KindPayout && in.Status == IntentSucceeded {
			paid[in.UserID] = true
		}
	}

	// Walk the accepted workers rather than the journal, so a worker whose
	// intent was never written during finish is still owed a payout
	var claims []payoutClaim
	for _, a := range accepted {
		if paid[a.UserID] {
			continue
		}
		in, st, err := c.claim(ctx, jobID, KindPayout, a.UserID, perWorker)
		claims = append(claims, payoutClaim{workerID: a.UserID, amount: perWorker, intent: in, step: st, err: err})
	}
	if len(claims) == 0 {
		return wallet.PayoutBatchResult{}, nil
	}

	result := c.settlePayouts(ctx, jobID, claims)
	c.log.WithFields(logrus.Fields{
		"job_id":  jobID,
		"user_id": actorID,
		"retried": len(claims),
		"failed":  len(result.Failed()),
	}).Info("payout retry finished")
	c.notifyPayoutFailures(ctx, job, result)
	return result, nil
}

type payoutClaim struct {
	workerID string
	amount   int64
	intent   TransferIntent
	step     step
	err      error
}

// settlePayouts sends one batch for the claims this session owns and merges
// it with the claims that were already settled or could not be taken, in
// claim order.
func (c *Coordinator) settlePayouts(ctx context.Context, jobID string, claims []payoutClaim) wallet.PayoutBatchResult {
	var batch []wallet.Payout
	for _, cl := range claims {
		if cl.err == nil && cl.step == stepRun {
			batch = append(batch, wallet.Payout{WorkerID: cl.workerID, Amount: cl.intent.Amount, TransferID: cl.intent.TransferID})
		}
	}
	ran := c.escrow.PayoutAll(ctx, jobID, batch)
	byWorker := make(map[string]wallet.PayoutOutcome, len(ran))
	for _, o := range ran {
		byWorker[o.WorkerID] = o
	}

	result := make(wallet.PayoutBatchResult, 0, len(claims))
	for _, cl := range claims {
		switch {
		case cl.err != nil:
			reason := cl.err.Error()
			if errors.Is(cl.err, ErrSettlementPending) {
				reason = "payout already in progress"
			}
			result = append(result, wallet.PayoutOutcome{
				WorkerID:   cl.workerID,
				Amount:     cl.amount,
				TransferID: cl.intent.TransferID,
				Err:        cl.err,
				Reason:     reason,
			})
		case cl.step == stepDone:
			result = append(result, wallet.PayoutOutcome{
				WorkerID:   cl.workerID,
				Amount:     cl.intent.Amount,
				TransferID: cl.intent.TransferID,
			})
		default:
			o := byWorker[cl.workerID]
			c.record(ctx, cl.intent, o.Err)
			result = append(result, o)
		}
	}
	return result
}

func (c *Coordinator) notifyPayoutFailures(ctx context.Context, job Job, result wallet.PayoutBatchResult) {
	for _, o := range result.Failed() {
		c.emit(ctx, Event{
			Type:       EventPayoutFailed,
			JobID:      job.ID,
			JobTitle:   job.Title,
			Recipients: []string{job.OwnerID, o.WorkerID},
			Amount:     o.Amount,
			Message:    "Payout could not be completed: " + o.Reason,
		})
	}
}
