package models

import "fmt"

// Status is the escrow lifecycle state. Numeric values are stable.
type Status uint8

const (
	StatusOpen Status = iota
	StatusInProgress
	StatusPendingApproval
	StatusCompleted
	StatusDisputed
	StatusCancelled
)

var statusNames = [...]string{
	StatusOpen:            "open",
	StatusInProgress:      "in_progress",
	StatusPendingApproval: "pending_approval",
	StatusCompleted:       "completed",
	StatusDisputed:        "disputed",
	StatusCancelled:       "cancelled",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDisputed
}

// ParseStatus maps the lowercase name back to a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("models: unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
