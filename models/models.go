// Package models holds the persisted entities shared by the registry, the
// escrow state machine and the ledger stores.
package models

import (
	"time"

	"escrowflow/identity"
)

const (
	// MaxNameLen is the maximum agent name length in bytes.
	MaxNameLen = 32
	// MaxJobIDLen is the maximum job id length in bytes.
	MaxJobIDLen = 36
	// MaxSplitBps caps the creator share of a payout.
	MaxSplitBps uint16 = 5000
	// DefaultSplitBps is assigned to newly registered agents.
	DefaultSplitBps uint16 = 1000
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10000
	// VerificationThreshold is the number of successful jobs that verifies an agent.
	VerificationThreshold uint32 = 3
	// MaxReputation is the reputation ceiling.
	MaxReputation uint16 = 10000
	// UnitsPerWhole is the number of base units in one whole currency unit.
	UnitsPerWhole uint64 = 1_000_000_000
)

// Agent is a registered worker or requester identity.
type Agent struct {
	Key             identity.Key
	Name            string
	Creator         identity.Key
	Authority       identity.Key
	CreatedAt       time.Time
	CreatorSigned   bool
	Verified        bool
	SuccessfulJobs  uint32
	TotalEarned     uint64
	TotalSpent      uint64
	ReputationScore uint16
	CreatorSplitBps uint16
}

// Escrow holds the funds and lifecycle state of a single job.
type Escrow struct {
	Key          identity.Key
	JobID        string
	JobHash      [32]byte
	Requester    identity.Key
	Worker       identity.Key
	Amount       uint64
	Status       Status
	TimeoutHours uint8
	Deadline     time.Time
	CreatedAt    time.Time
}

// ValidTimeout reports whether hours is an accepted job timeout.
func ValidTimeout(hours uint8) bool {
	switch hours {
	case 24, 48, 72:
		return true
	default:
		return false
	}
}

// Unix truncates t to whole seconds in UTC, the resolution timestamps are stored at.
func Unix(t time.Time) time.Time {
	return time.Unix(t.Unix(), 0).UTC()
}
