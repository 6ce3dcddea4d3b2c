// Package identity derives the 32-byte keys that name agents, escrows and
// the identities (wallets) that own them.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Size is the byte length of every key.
const Size = 32

// ErrInvalidKey signals a malformed hex key.
var ErrInvalidKey = errors.New("identity: invalid key")

// Key names an identity, an agent record or an escrow record.
type Key [Size]byte

// Zero is the unset key.
var Zero Key

// IsZero reports whether k is unset.
func (k Key) IsZero() bool {
	return k == Zero
}

// Hex returns the lowercase hex form of k.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

func (k Key) String() string {
	return k.Hex()
}

// Short returns the first eight hex characters, for logs and tables.
func (k Key) Short() string {
	return k.Hex()[:8]
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a 64 character hex string. An optional 0x prefix is accepted.
func ParseKey(s string) (Key, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s) != Size*2 {
		return Zero, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidKey, Size*2, len(s))
	}
	var k Key
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return k, nil
}

// BytesToKey copies b into a key. Shorter input is left-padded with zeros,
// longer input keeps its trailing bytes.
func BytesToKey(b []byte) Key {
	var k Key
	if len(b) > Size {
		b = b[len(b)-Size:]
	}
	copy(k[Size-len(b):], b)
	return k
}

const (
	agentSeed  = "agent"
	escrowSeed = "escrow"
)

// AgentKey derives the key of the agent named name owned by owner. The same
// owner cannot register two agents with the same name.
func AgentKey(owner Key, name string) Key {
	return derive([]byte(agentSeed), owner[:], []byte(name))
}

// EscrowKey derives the key of the escrow for jobID. Job ids are globally unique.
func EscrowKey(jobID string) Key {
	return derive([]byte(escrowSeed), []byte(jobID))
}

func derive(parts ...[]byte) Key {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var k Key
	h.Sum(k[:0])
	return k
}
