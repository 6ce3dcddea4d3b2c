package dispute

import (
	"time"

	"escrowflow/identity"
	"escrowflow/models"
)

// Record is a disputed escrow awaiting an off-system arbiter.
type Record struct {
	JobID     string
	Escrow    identity.Key
	Requester identity.Key
	Worker    identity.Key
	Amount    uint64
	Deadline  time.Time
	CreatedAt time.Time
	// Overdue is set when the job's deadline had already passed at listing time.
	Overdue bool
}

func fromEscrow(e models.Escrow, now time.Time) Record {
	return Record{
		JobID:     e.JobID,
		Escrow:    e.Key,
		Requester: e.Requester,
		Worker:    e.Worker,
		Amount:    e.Amount,
		Deadline:  e.Deadline,
		CreatedAt: e.CreatedAt,
		Overdue:   !e.Deadline.IsZero() && now.After(e.Deadline),
	}
}

// Summary aggregates the queue.
type Summary struct {
	Open   int
	Frozen uint64
}
