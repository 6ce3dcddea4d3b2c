package agent

import (
	"errors"

	"escrowflow/identity"
)

var (
	// ErrNameEmpty signals a registration without a name.
	ErrNameEmpty = errors.New("agent: name is empty")
	// ErrNameTooLong signals a name above 32 bytes.
	ErrNameTooLong = errors.New("agent: name too long")
	// ErrSplitTooHigh signals a creator split above 5000 bps.
	ErrSplitTooHigh = errors.New("agent: creator split too high")
	// ErrUnauthorized signals a caller that is not the record's authority.
	ErrUnauthorized = errors.New("agent: unauthorized")
	// ErrInsufficientFunds signals a withdrawal above the available balance.
	ErrInsufficientFunds = errors.New("agent: insufficient funds")
	// ErrNothingToWithdraw signals a withdrawal that would move nothing.
	ErrNothingToWithdraw = errors.New("agent: nothing to withdraw")
	// ErrAgentExists signals that the owner already registered the name.
	ErrAgentExists = errors.New("agent: already registered")
	// ErrNotFound signals an unknown agent key.
	ErrNotFound = errors.New("agent: not found")
	// ErrEscrowKey rejects deposits into a job escrow.
	ErrEscrowKey = errors.New("agent: key belongs to an escrow")
)

// DefaultReservedMinimum is the balance an agent record keeps back on
// withdrawal, and the default registration cost that funds it.
const DefaultReservedMinimum uint64 = 1_886_160

// Config holds the registry's economic parameters.
type Config struct {
	RegistrationCost uint64
	ReservedMinimum  uint64
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		RegistrationCost: DefaultReservedMinimum,
		ReservedMinimum:  DefaultReservedMinimum,
	}
}

// RegisterParams names the owner paying for the registration and the agent name.
type RegisterParams struct {
	Owner identity.Key
	Name  string
}

type ConfigureSplitParams struct {
	Caller   identity.Key
	Agent    identity.Key
	SplitBps uint16
}

// WithdrawParams requests Amount base units; zero withdraws everything available.
type WithdrawParams struct {
	Caller identity.Key
	Agent  identity.Key
	Amount uint64
}
