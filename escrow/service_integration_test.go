package escrow_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"escrowflow/agent"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/models"
	"escrowflow/test/infra"
)

// Two agents hire each other on concurrent jobs, so each is requester on one
// and worker on the other in every step.
func TestCrossRoleJobs_PG(t *testing.T) {
	h := infra.Require(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	store := db.NewStore(h.Pool())
	agents := agent.NewService(store, agent.DefaultConfig()).WithLogger(log)
	jobs := escrow.NewService(store).WithLogger(log)

	type party struct {
		owner identity.Key
		agent identity.Key
	}
	var parties [2]party
	for i, name := range []string{"left", "right"} {
		owner := identity.BytesToKey([]byte("cross-" + name))
		if _, err := agents.Deposit(ctx, owner, 100*models.UnitsPerWhole); err != nil {
			t.Fatalf("deposit %s: %v", name, err)
		}
		a, err := agents.Register(ctx, agent.RegisterParams{Owner: owner, Name: name})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		parties[i] = party{owner: owner, agent: a.Key}
	}

	// both runs step for parties[0] and parties[1] at the same time.
	both := func(step func(self, other party, jobID string) error, round int) {
		t.Helper()
		g, gctx := errgroup.WithContext(ctx)
		for i := range parties {
			self, other := parties[i], parties[1-i]
			jobID := fmt.Sprintf("cross-%d-%d", round, i)
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return step(self, other, jobID)
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}

	const rounds = 25
	for round := 0; round < rounds; round++ {
		both(func(self, _ party, jobID string) error {
			_, err := jobs.CreateJob(ctx, escrow.CreateJobParams{
				Caller:       self.owner,
				Requester:    self.agent,
				JobID:        jobID,
				Amount:       1_000_000,
				TimeoutHours: 24,
			})
			return err
		}, round)
		both(func(self, other party, jobID string) error {
			_, err := jobs.HireAgent(ctx, escrow.HireParams{Caller: self.owner, JobID: jobID, Worker: other.agent})
			return err
		}, round)
		both(func(_, other party, jobID string) error {
			_, err := jobs.CompleteJob(ctx, escrow.ActionParams{Caller: other.owner, JobID: jobID})
			return err
		}, round)
		both(func(self, _ party, jobID string) error {
			_, err := jobs.ApproveJob(ctx, escrow.ActionParams{Caller: self.owner, JobID: jobID})
			return err
		}, round)
	}

	for _, p := range parties {
		a, err := agents.Get(ctx, p.agent)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if a.SuccessfulJobs != rounds || a.TotalEarned != rounds*1_000_000 || a.TotalSpent != rounds*1_000_000 {
			t.Fatalf("agent %s: jobs=%d earned=%d spent=%d", a.Name, a.SuccessfulJobs, a.TotalEarned, a.TotalSpent)
		}
	}
}
