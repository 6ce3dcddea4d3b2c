// Package actors drives the escrow services concurrently for the stress test.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/agent"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
	"escrowflow/relay"
)

// Party is an agent and the identity that holds its authority.
type Party struct {
	Owner identity.Key
	Agent identity.Key
}

// Env is the shared fixture every actor works against. A party listed in
// both Requesters and Workers hires and is hired.
type Env struct {
	Agents  *agent.Service
	Escrows *escrow.Service
	// Late runs with a clock past every possible deadline.
	Late       *escrow.Service
	Requesters []Party
	Workers    []Party
}

func (e *Env) owner(agentKey identity.Key) (identity.Key, bool) {
	for _, p := range e.Requesters {
		if p.Agent == agentKey {
			return p.Owner, true
		}
	}
	for _, p := range e.Workers {
		if p.Agent == agentKey {
			return p.Owner, true
		}
	}
	return identity.Zero, false
}

// expected are the outcomes of lost races and drained balances.
var expected = []error{
	escrow.ErrInvalidJobStatus,
	escrow.ErrDeadlineNotReached,
	agent.ErrInsufficientFunds,
	agent.ErrNothingToWithdraw,
	ledger.ErrInsufficientBalance,
	context.Canceled,
	context.DeadlineExceeded,
}

// fatal returns err unless it is an expected outcome or a session killed by
// chaos. Deadlocks and every other database error fail the run.
func fatal(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range expected {
		if errors.Is(err, target) {
			return nil
		}
	}
	if disconnected(err) {
		return nil
	}
	return err
}

// disconnected reports whether err comes from a terminated session.
func disconnected(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57: operator intervention, 08: connection exception.
		return strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

func loop(ctx context.Context, stop <-chan struct{}, minPause, jitter int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := fatal(step()); err != nil {
			return err
		}
		time.Sleep(time.Duration(minPause+rand.Intn(jitter)) * time.Millisecond)
	}
}

func status(s models.Status) *models.Status { return &s }

// Requester opens jobs and either hires a worker or cancels them.
func Requester(ctx context.Context, env *Env, self Party, stop <-chan struct{}) error {
	return loop(ctx, stop, 10, 20, func() error {
		timeouts := []uint8{24, 48, 72}
		e, err := env.Escrows.CreateJob(ctx, escrow.CreateJobParams{
			Caller:       self.Owner,
			Requester:    self.Agent,
			JobID:        uuid.NewString(),
			Amount:       uint64(1 + rand.Int63n(50_000_000)),
			TimeoutHours: timeouts[rand.Intn(len(timeouts))],
		})
		if err != nil {
			return err
		}
		if rand.Intn(10) < 3 {
			_, err = env.Escrows.CancelJob(ctx, escrow.ActionParams{Caller: self.Owner, JobID: e.JobID})
			return err
		}
		worker := env.Workers[rand.Intn(len(env.Workers))]
		if worker.Agent == self.Agent {
			_, err = env.Escrows.CancelJob(ctx, escrow.ActionParams{Caller: self.Owner, JobID: e.JobID})
			return err
		}
		_, err = env.Escrows.HireAgent(ctx, escrow.HireParams{Caller: self.Owner, JobID: e.JobID, Worker: worker.Agent})
		return err
	})
}

// Worker completes the jobs its agent was hired for.
func Worker(ctx context.Context, env *Env, self Party, stop <-chan struct{}) error {
	return loop(ctx, stop, 15, 30, func() error {
		jobs, err := env.Escrows.List(ctx, ledger.EscrowFilter{
			Status: status(models.StatusInProgress),
			Worker: self.Agent,
			Limit:  10,
		})
		if err != nil {
			return err
		}
		for _, e := range jobs {
			if _, err := env.Escrows.CompleteJob(ctx, escrow.ActionParams{Caller: self.Owner, JobID: e.JobID}); fatal(err) != nil {
				return err
			}
		}
		return nil
	})
}

// Approver approves most of its pending jobs and leaves the rest to time out.
func Approver(ctx context.Context, env *Env, self Party, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 40, func() error {
		jobs, err := env.Escrows.List(ctx, ledger.EscrowFilter{
			Status:    status(models.StatusPendingApproval),
			Requester: self.Agent,
			Limit:     10,
		})
		if err != nil {
			return err
		}
		for _, e := range jobs {
			if rand.Intn(3) == 0 {
				continue
			}
			if _, err := env.Escrows.ApproveJob(ctx, escrow.ActionParams{Caller: self.Owner, JobID: e.JobID}); fatal(err) != nil {
				return err
			}
		}
		return nil
	})
}

// Claimer releases pending jobs through the timeout path.
func Claimer(ctx context.Context, env *Env, caller identity.Key, stop <-chan struct{}) error {
	return loop(ctx, stop, 50, 100, func() error {
		jobs, err := env.Late.List(ctx, ledger.EscrowFilter{Status: status(models.StatusPendingApproval), Limit: 5})
		if err != nil {
			return err
		}
		for _, e := range jobs {
			if _, err := env.Late.ClaimTimeout(ctx, escrow.ActionParams{Caller: caller, JobID: e.JobID}); fatal(err) != nil {
				return err
			}
		}
		return nil
	})
}

// Disputer occasionally freezes an active job on behalf of one of its parties.
func Disputer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 100, 200, func() error {
		jobs, err := env.Escrows.List(ctx, ledger.EscrowFilter{Status: status(models.StatusInProgress), Limit: 20})
		if err != nil || len(jobs) == 0 {
			return err
		}
		e := jobs[rand.Intn(len(jobs))]
		side := e.Requester
		if rand.Intn(2) == 0 {
			side = e.Worker
		}
		owner, ok := env.owner(side)
		if !ok {
			return fmt.Errorf("disputer: unknown agent %s", side.Short())
		}
		_, err = env.Escrows.DisputeJob(ctx, escrow.DisputeParams{Caller: owner, JobID: e.JobID, Agent: side})
		return err
	})
}

// Withdrawer drains worker earnings above the reserve.
func Withdrawer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	return loop(ctx, stop, 150, 150, func() error {
		w := env.Workers[rand.Intn(len(env.Workers))]
		_, err := env.Agents.Withdraw(ctx, agent.WithdrawParams{Caller: w.Owner, Agent: w.Agent})
		return err
	})
}

// FlakyPublisher fails a fraction of deliveries.
type FlakyPublisher struct {
	FailOneIn int
}

func (p FlakyPublisher) Publish(ctx context.Context, ev relay.Event) error {
	if p.FailOneIn > 0 && rand.Intn(p.FailOneIn) == 0 {
		return errors.New("simulated delivery failure")
	}
	return nil
}

// Relay drains the outbox.
func Relay(ctx context.Context, r *relay.Relay, stop <-chan struct{}) error {
	return loop(ctx, stop, 100, 50, func() error {
		_, err := r.Flush(ctx)
		return err
	})
}
