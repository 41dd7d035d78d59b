package types

import (
	"fmt"
	"strings"
)

// Commitment is the durability tier of a ledger query.
// Levels are ordered: a later level is never less final than an earlier one.
type Commitment uint8

const (
	// CommitmentProcessed is the most recent block seen by the node. Least final.
	CommitmentProcessed Commitment = iota

	// CommitmentConfirmed is a block voted on by a supermajority of stake.
	CommitmentConfirmed

	// CommitmentFinalized is a confirmed block with 31+ confirmed blocks on top.
	CommitmentFinalized
)

// AllCommitments lists every level from least to most final.
var AllCommitments = [...]Commitment{CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized}

// String returns the JSON-RPC name of the commitment level.
func (c Commitment) String() string {
	switch c {
	case CommitmentProcessed:
		return "processed"
	case CommitmentConfirmed:
		return "confirmed"
	case CommitmentFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ParseCommitment parses a JSON-RPC commitment name.
func ParseCommitment(s string) (Commitment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processed", "recent":
		return CommitmentProcessed, nil
	case "confirmed", "single", "singlegossip":
		return CommitmentConfirmed, nil
	case "finalized", "max", "root":
		return CommitmentFinalized, nil
	default:
		return CommitmentProcessed, fmt.Errorf("unknown commitment %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Commitment) UnmarshalText(text []byte) error {
	parsed, err := ParseCommitment(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
