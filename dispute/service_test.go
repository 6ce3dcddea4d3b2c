package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
)

var (
	requesterA = identity.BytesToKey([]byte("requester-a"))
	requesterB = identity.BytesToKey([]byte("requester-b"))
	worker     = identity.BytesToKey([]byte("worker"))
	base       = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func seed(t *testing.T, store *ledger.MemStore, escrows ...models.Escrow) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, e := range escrows {
		e.Key = identity.EscrowKey(e.JobID)
		if err := tx.InsertEscrow(ctx, e); err != nil {
			t.Fatalf("insert %s: %v", e.JobID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestService_Queue(t *testing.T) {
	store := ledger.NewMemStore()
	seed(t, store,
		models.Escrow{JobID: "d1", Requester: requesterA, Worker: worker, Amount: 10, Status: models.StatusDisputed, CreatedAt: base, Deadline: base.Add(24 * time.Hour)},
		models.Escrow{JobID: "d2", Requester: requesterB, Worker: worker, Amount: 20, Status: models.StatusDisputed, CreatedAt: base.Add(time.Hour), Deadline: base.Add(49 * time.Hour)},
		models.Escrow{JobID: "p1", Requester: requesterA, Worker: worker, Amount: 30, Status: models.StatusPendingApproval, CreatedAt: base.Add(2 * time.Hour)},
	)
	svc := NewService(NewRepository(store)).WithClock(func() time.Time { return base.Add(30 * time.Hour) })
	ctx := context.Background()

	all, err := svc.Queue(ctx, identity.Zero, 0)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(all) != 2 || all[0].JobID != "d2" || all[1].JobID != "d1" {
		t.Fatalf("unexpected queue %+v", all)
	}
	if !all[1].Overdue || all[0].Overdue {
		t.Fatalf("unexpected overdue flags %+v", all)
	}

	mine, err := svc.Queue(ctx, requesterA, 0)
	if err != nil {
		t.Fatalf("queue for party: %v", err)
	}
	if len(mine) != 1 || mine[0].JobID != "d1" {
		t.Fatalf("unexpected party queue %+v", mine)
	}

	asWorker, _ := svc.Queue(ctx, worker, 1)
	if len(asWorker) != 1 || asWorker[0].JobID != "d2" {
		t.Fatalf("unexpected limited worker queue %+v", asWorker)
	}

	sum, err := svc.Summarize(ctx)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Open != 2 || sum.Frozen != 30 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestService_Get(t *testing.T) {
	store := ledger.NewMemStore()
	seed(t, store,
		models.Escrow{JobID: "d1", Requester: requesterA, Worker: worker, Status: models.StatusDisputed},
		models.Escrow{JobID: "o1", Requester: requesterA, Status: models.StatusOpen},
	)
	svc := NewService(NewRepository(store))
	ctx := context.Background()

	if rec, err := svc.Get(ctx, "d1"); err != nil || rec.Worker != worker {
		t.Fatalf("get disputed: %+v %v", rec, err)
	}
	if _, err := svc.Get(ctx, "o1"); !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected ErrNotDisputed, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
