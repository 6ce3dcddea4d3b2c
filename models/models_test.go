package models

import (
	"testing"
	"time"
)

func TestStatusNumericValues(t *testing.T) {
	cases := map[Status]uint8{
		StatusOpen:            0,
		StatusInProgress:      1,
		StatusPendingApproval: 2,
		StatusCompleted:       3,
		StatusDisputed:        4,
		StatusCancelled:       5,
	}
	for status, want := range cases {
		if uint8(status) != want {
			t.Errorf("%s: expected %d got %d", status, want, uint8(status))
		}
		parsed, err := ParseStatus(status.String())
		if err != nil || parsed != status {
			t.Errorf("parse %q: got %v, %v", status.String(), parsed, err)
		}
	}
	if Status(9).Valid() {
		t.Error("expected status 9 to be invalid")
	}
	if _, err := ParseStatus("closed"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestTerminal(t *testing.T) {
	final := map[Status]bool{
		StatusOpen:            false,
		StatusInProgress:      false,
		StatusPendingApproval: false,
		StatusCompleted:       true,
		StatusCancelled:       true,
		StatusDisputed:        true,
	}
	for s, want := range final {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestValidTimeout(t *testing.T) {
	for _, h := range []uint8{24, 48, 72} {
		if !ValidTimeout(h) {
			t.Errorf("expected %d to be valid", h)
		}
	}
	for _, h := range []uint8{0, 1, 23, 25, 96, 255} {
		if ValidTimeout(h) {
			t.Errorf("expected %d to be invalid", h)
		}
	}
}

func TestUnixTruncates(t *testing.T) {
	in := time.Date(2024, 5, 1, 10, 0, 0, 999_999_999, time.FixedZone("x", 3600))
	got := Unix(in)
	if got.Nanosecond() != 0 || got.Location() != time.UTC || got.Unix() != in.Unix() {
		t.Fatalf("unexpected truncation %v", got)
	}
}
