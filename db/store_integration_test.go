package db_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"escrowflow/db"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
	"escrowflow/safemath"
	"escrowflow/test/infra"
)

func TestPGStore_Integration(t *testing.T) {
	h := infra.Require(t)
	store := db.NewStore(h.Pool())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	owner := identity.BytesToKey([]byte("owner"))
	created := models.Unix(time.Now())
	agent := models.Agent{
		Key:             identity.AgentKey(owner, "crawler"),
		Name:            "crawler",
		Creator:         owner,
		Authority:       owner,
		CreatedAt:       created,
		CreatorSigned:   true,
		CreatorSplitBps: models.DefaultSplitBps,
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Transfer(ctx, models.Transfer{To: owner, Amount: 5_000, Kind: models.TransferDeposit}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := tx.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	t.Run("duplicate agent", func(t *testing.T) {
		tx, _ := store.Begin(ctx)
		defer tx.Rollback(ctx)
		if err := tx.InsertAgent(ctx, agent); !errors.Is(err, ledger.ErrKeyExists) {
			t.Fatalf("expected ErrKeyExists, got %v", err)
		}
	})

	t.Run("agent round trip", func(t *testing.T) {
		tx, _ := store.Begin(ctx)
		defer tx.Rollback(ctx)
		got, err := tx.GetAgent(ctx, agent.Key)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if diff := cmp.Diff(agent, got); diff != "" {
			t.Fatalf("agent mismatch (-want +got):\n%s", diff)
		}
		if _, err := tx.GetAgent(ctx, identity.AgentKey(owner, "missing")); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		peeked, err := tx.PeekAgent(ctx, agent.Key)
		if err != nil {
			t.Fatalf("peek agent: %v", err)
		}
		if diff := cmp.Diff(agent, peeked); diff != "" {
			t.Fatalf("peeked agent mismatch (-want +got):\n%s", diff)
		}
		if _, err := tx.PeekAgent(ctx, identity.AgentKey(owner, "missing")); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("escrow round trip and rollback", func(t *testing.T) {
		esc := models.Escrow{
			Key:          identity.EscrowKey("job-int-1"),
			JobID:        "job-int-1",
			JobHash:      [32]byte{1, 2, 3},
			Requester:    agent.Key,
			Amount:       1_000,
			Status:       models.StatusOpen,
			TimeoutHours: 24,
			CreatedAt:    created,
		}

		tx, _ := store.Begin(ctx)
		if err := tx.InsertEscrow(ctx, esc); err != nil {
			t.Fatalf("insert escrow: %v", err)
		}
		if err := tx.Transfer(ctx, models.Transfer{From: owner, To: esc.Key, Amount: esc.Amount, Kind: models.TransferEscrowLock}); err != nil {
			t.Fatalf("lock: %v", err)
		}
		if err := tx.Rollback(ctx); err != nil {
			t.Fatalf("rollback: %v", err)
		}

		tx, _ = store.Begin(ctx)
		if _, err := tx.GetEscrow(ctx, esc.Key); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("expected rolled back escrow to be absent, got %v", err)
		}
		if bal, _ := tx.Balance(ctx, owner); bal != 5_000 {
			t.Fatalf("expected owner balance 5000, got %d", bal)
		}
		if err := tx.InsertEscrow(ctx, esc); err != nil {
			t.Fatalf("insert escrow: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}

		tx, _ = store.Begin(ctx)
		defer tx.Rollback(ctx)
		hired := esc
		hired.Worker = agent.Key
		hired.Status = models.StatusInProgress
		hired.Deadline = created.Add(24 * time.Hour)
		if err := tx.UpdateEscrow(ctx, hired); err != nil {
			t.Fatalf("update escrow: %v", err)
		}
		got, err := tx.GetEscrow(ctx, esc.Key)
		if err != nil {
			t.Fatalf("get escrow: %v", err)
		}
		if diff := cmp.Diff(hired, got); diff != "" {
			t.Fatalf("escrow mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("insufficient balance and overflow", func(t *testing.T) {
		tx, _ := store.Begin(ctx)
		err := tx.Transfer(ctx, models.Transfer{From: owner, To: agent.Key, Amount: 5_001, Kind: models.TransferRegistration})
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		tx.Rollback(ctx)

		rich := identity.BytesToKey([]byte("rich"))
		tx, _ = store.Begin(ctx)
		defer tx.Rollback(ctx)
		if err := tx.Transfer(ctx, models.Transfer{To: rich, Amount: math.MaxUint64, Kind: models.TransferDeposit}); err != nil {
			t.Fatalf("max deposit: %v", err)
		}
		if bal, _ := tx.Balance(ctx, rich); bal != math.MaxUint64 {
			t.Fatalf("expected max balance, got %d", bal)
		}
		err = tx.Transfer(ctx, models.Transfer{To: rich, Amount: 1, Kind: models.TransferDeposit})
		if !errors.Is(err, safemath.ErrOverflow) {
			t.Fatalf("expected ErrOverflow, got %v", err)
		}
	})

	t.Run("outbox", func(t *testing.T) {
		tx, _ := store.Begin(ctx)
		if err := tx.Enqueue(ctx, models.TopicJobCreated, map[string]any{"job_id": "job-int-1"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		tx.Commit(ctx)

		tx, _ = store.Begin(ctx)
		defer tx.Rollback(ctx)
		pending, err := tx.PendingOutbox(ctx, 10)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) != 1 || pending[0].Payload["job_id"] != "job-int-1" {
			t.Fatalf("unexpected pending outbox: %+v", pending)
		}
		if err := tx.MarkOutbox(ctx, pending[0].ID, models.OutboxProcessed, 1); err != nil {
			t.Fatalf("mark: %v", err)
		}
	})

	t.Run("listings", func(t *testing.T) {
		open := models.StatusOpen
		list, err := store.ListEscrows(ctx, ledger.EscrowFilter{Status: &open})
		if err != nil {
			t.Fatalf("list escrows: %v", err)
		}
		if len(list) != 1 || list[0].JobID != "job-int-1" {
			t.Fatalf("unexpected escrows: %+v", list)
		}
		entries, err := store.ListTransfers(ctx, owner, 0)
		if err != nil {
			t.Fatalf("list transfers: %v", err)
		}
		if len(entries) != 1 || entries[0].Transfer.Kind != models.TransferDeposit || !entries[0].Transfer.From.IsZero() {
			t.Fatalf("unexpected transfers: %+v", entries)
		}
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	h := infra.Require(t)
	ctx := context.Background()
	applied, err := db.Migrate(ctx, h.Pool())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no pending migrations, applied %v", applied)
	}
}
