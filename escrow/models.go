package escrow

import (
	"errors"

	"escrowflow/agent"
	"escrowflow/identity"
)

var (
	ErrJobIDTooLong       = errors.New("escrow: job id too long")
	ErrJobIDEmpty         = errors.New("escrow: job id is empty")
	ErrInvalidAmount      = errors.New("escrow: amount must be positive")
	ErrInvalidTimeout     = errors.New("escrow: timeout must be 24, 48 or 72 hours")
	ErrInvalidJobStatus   = errors.New("escrow: invalid job status")
	ErrInvalidWorker      = errors.New("escrow: worker does not match job")
	ErrInvalidRequester   = errors.New("escrow: requester does not match job")
	ErrInvalidCreator     = errors.New("escrow: creator does not match worker")
	ErrDeadlineNotReached = errors.New("escrow: deadline not reached")
	ErrJobExists          = errors.New("escrow: job id already used")
	ErrJobNotFound        = errors.New("escrow: job not found")

	// ErrUnauthorized is shared with the registry so callers match one sentinel.
	ErrUnauthorized = agent.ErrUnauthorized
)

// Bindings name the records a caller believes the job involves. Zero fields
// are not checked; a non-zero field that disagrees with the stored job fails
// the operation.
type Bindings struct {
	Requester identity.Key
	Worker    identity.Key
	Creator   identity.Key
}

// CreateJobParams opens an escrow funded by Caller, who must be the
// authority of the Requester agent.
type CreateJobParams struct {
	Caller       identity.Key
	Requester    identity.Key
	JobID        string
	JobHash      [32]byte
	Amount       uint64
	TimeoutHours uint8
}

type HireParams struct {
	Caller identity.Key
	JobID  string
	Worker identity.Key
	Bindings
}

// ActionParams drives complete, approve, claim-timeout and cancel.
type ActionParams struct {
	Caller identity.Key
	JobID  string
	Bindings
}

// DisputeParams names the party raising the dispute. Agent is the requester
// or worker agent key the caller acts for; when zero it is inferred from the
// caller's authority.
type DisputeParams struct {
	Caller identity.Key
	JobID  string
	Agent  identity.Key
	Bindings
}
