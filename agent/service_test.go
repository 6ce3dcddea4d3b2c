package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
)

var (
	testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	owner   = identity.BytesToKey([]byte("owner-1"))
	other   = identity.BytesToKey([]byte("owner-2"))
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T) (*Service, *ledger.MemStore) {
	t.Helper()
	store := ledger.NewMemStore()
	svc := NewService(store, DefaultConfig()).
		WithClock(func() time.Time { return testNow }).
		WithLogger(quietLogger())
	return svc, store
}

func deposit(t *testing.T, svc *Service, key identity.Key, amount uint64) {
	t.Helper()
	if _, err := svc.Deposit(context.Background(), key, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestService_Register(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, owner, 10_000_000)

	a, err := svc.Register(ctx, RegisterParams{Owner: owner, Name: "Alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Key != identity.AgentKey(owner, "Alice") {
		t.Fatalf("unexpected key %s", a.Key)
	}
	if a.Authority != owner || a.Creator != owner {
		t.Fatalf("expected authority and creator to be owner")
	}
	if !a.CreatorSigned || a.Verified || a.ReputationScore != 0 || a.CreatorSplitBps != models.DefaultSplitBps {
		t.Fatalf("unexpected initial record %+v", a)
	}
	if !a.CreatedAt.Equal(testNow) {
		t.Fatalf("expected created_at %v got %v", testNow, a.CreatedAt)
	}

	held, _ := svc.Balance(ctx, a.Key)
	if held != DefaultReservedMinimum {
		t.Fatalf("expected record funded with %d got %d", DefaultReservedMinimum, held)
	}
	left, _ := svc.Balance(ctx, owner)
	if left != 10_000_000-DefaultReservedMinimum {
		t.Fatalf("unexpected owner balance %d", left)
	}

	if _, err := svc.Register(ctx, RegisterParams{Owner: owner, Name: "Alice"}); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("expected ErrAgentExists, got %v", err)
	}

	got, err := svc.Lookup(ctx, owner, "Alice")
	if err != nil || got.Key != a.Key {
		t.Fatalf("lookup: %v %+v", err, got)
	}
	if _, err := svc.Lookup(ctx, other, "Alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other owner, got %v", err)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, owner, 10_000_000)

	if _, err := svc.Register(ctx, RegisterParams{Owner: owner}); !errors.Is(err, ErrNameEmpty) {
		t.Fatalf("expected ErrNameEmpty, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterParams{Owner: owner, Name: strings.Repeat("x", 33)}); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterParams{Owner: owner, Name: strings.Repeat("x", 32)}); err != nil {
		t.Fatalf("expected 32 byte name to register: %v", err)
	}
}

func TestService_RegisterWithoutFundsLeavesNoRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterParams{Owner: other, Name: "broke"})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := svc.Lookup(ctx, other, "broke"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to be rolled back, got %v", err)
	}
}

func TestService_ConfigureSplit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, owner, 10_000_000)
	a, _ := svc.Register(ctx, RegisterParams{Owner: owner, Name: "bob"})

	cases := []struct {
		name    string
		caller  identity.Key
		bps     uint16
		wantErr error
	}{
		{name: "max", caller: owner, bps: 5000},
		{name: "zero", caller: owner, bps: 0},
		{name: "too high", caller: owner, bps: 5001, wantErr: ErrSplitTooHigh},
		{name: "too high beats auth", caller: other, bps: 9000, wantErr: ErrSplitTooHigh},
		{name: "not authority", caller: other, bps: 100, wantErr: ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.ConfigureSplit(ctx, ConfigureSplitParams{Caller: tc.caller, Agent: a.Key, SplitBps: tc.bps})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("configure: %v", err)
			}
			if got.CreatorSplitBps != tc.bps {
				t.Fatalf("expected %d got %d", tc.bps, got.CreatorSplitBps)
			}
		})
	}

	stored, _ := svc.Get(ctx, a.Key)
	if stored.CreatorSplitBps != 0 {
		t.Fatalf("expected last successful split 0, got %d", stored.CreatorSplitBps)
	}
}

func TestService_Withdraw(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	deposit(t, svc, owner, 10_000_000)
	a, _ := svc.Register(ctx, RegisterParams{Owner: owner, Name: "earner"})

	if _, err := svc.Withdraw(ctx, WithdrawParams{Caller: owner, Agent: a.Key}); !errors.Is(err, ErrNothingToWithdraw) {
		t.Fatalf("expected ErrNothingToWithdraw with only the reserve held, got %v", err)
	}

	// simulate earnings paid into the record
	tx, _ := store.Begin(ctx)
	if err := tx.Transfer(ctx, models.Transfer{From: owner, To: a.Key, Amount: 3_000_000, Kind: models.TransferWorkerPayout}); err != nil {
		t.Fatalf("payout: %v", err)
	}
	tx.Commit(ctx)

	if _, err := svc.Withdraw(ctx, WithdrawParams{Caller: other, Agent: a.Key}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Withdraw(ctx, WithdrawParams{Caller: owner, Agent: a.Key, Amount: 3_000_001}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	got, err := svc.Withdraw(ctx, WithdrawParams{Caller: owner, Agent: a.Key, Amount: 1_000_000})
	if err != nil || got != 1_000_000 {
		t.Fatalf("partial withdraw: %d, %v", got, err)
	}

	before, _ := svc.Balance(ctx, owner)
	got, err = svc.Withdraw(ctx, WithdrawParams{Caller: owner, Agent: a.Key})
	if err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	if got != 2_000_000 {
		t.Fatalf("expected remaining 2_000_000, got %d", got)
	}
	after, _ := svc.Balance(ctx, owner)
	if after-before != got {
		t.Fatalf("authority credited %d, expected %d", after-before, got)
	}
	held, _ := svc.Balance(ctx, a.Key)
	if held != DefaultReservedMinimum {
		t.Fatalf("expected reserve %d to remain, got %d", DefaultReservedMinimum, held)
	}

	entries, err := svc.Transfers(ctx, a.Key, 1)
	if err != nil || len(entries) != 1 || entries[0].Transfer.Kind != models.TransferWithdrawal {
		t.Fatalf("expected latest transfer to be a withdrawal: %+v %v", entries, err)
	}
}

func TestService_DepositRejectsEscrowKey(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	esc := models.Escrow{
		Key:          identity.EscrowKey("job-1"),
		JobID:        "job-1",
		Requester:    identity.AgentKey(owner, "Alice"),
		Amount:       500,
		Status:       models.StatusOpen,
		TimeoutHours: 24,
		CreatedAt:    testNow,
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Transfer(ctx, models.Transfer{To: esc.Key, Amount: esc.Amount, Kind: models.TransferDeposit}); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertEscrow(ctx, esc); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Deposit(ctx, esc.Key, 1_000); !errors.Is(err, ErrEscrowKey) {
		t.Fatalf("expected ErrEscrowKey, got %v", err)
	}
	if got, _ := svc.Balance(ctx, esc.Key); got != esc.Amount {
		t.Fatalf("escrow balance = %d, want %d", got, esc.Amount)
	}
	if got, err := svc.Deposit(ctx, owner, 1_000); err != nil || got != 1_000 {
		t.Fatalf("deposit to owner = %d, %v", got, err)
	}
}

func TestRecordCompletedJob(t *testing.T) {
	var a models.Agent
	for i := 1; i <= 4; i++ {
		verifiedNow, err := RecordCompletedJob(&a, 1_000_000_000)
		if err != nil {
			t.Fatalf("record job %d: %v", i, err)
		}
		if verifiedNow != (i == 3) {
			t.Fatalf("job %d: unexpected verifiedNow=%v", i, verifiedNow)
		}
		if (i >= 3) != a.Verified {
			t.Fatalf("job %d: verified=%v", i, a.Verified)
		}
	}
	if a.SuccessfulJobs != 4 || a.TotalEarned != 4_000_000_000 || a.ReputationScore != 2040 {
		t.Fatalf("unexpected record %+v", a)
	}

	a.TotalEarned = ^uint64(0)
	if _, err := RecordCompletedJob(&a, 1); err == nil {
		t.Fatal("expected overflow on total earned")
	}
	if a.SuccessfulJobs != 4 {
		t.Fatalf("expected record untouched on overflow, got %d jobs", a.SuccessfulJobs)
	}
}

func TestSpentAccounting(t *testing.T) {
	var a models.Agent
	if err := AddSpent(&a, 500); err != nil {
		t.Fatalf("add spent: %v", err)
	}
	if err := RefundSpent(&a, 500); err != nil || a.TotalSpent != 0 {
		t.Fatalf("refund spent: %v, %d", err, a.TotalSpent)
	}
	if err := RefundSpent(&a, 1); err == nil {
		t.Fatal("expected underflow error")
	}
}
