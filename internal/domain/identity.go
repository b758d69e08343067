package domain

import (
	"database/sql/driver"
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeyLength is the byte length of every identity in the marketplace.
const PubkeyLength = 32

// Pubkey identifies a participant, a derived custodian or a holding account.
// Text form is base58, the same encoding wallets use for ed25519 public keys.
type Pubkey [PubkeyLength]byte

// ParsePubkey decodes a base58 identity.
func ParsePubkey(s string) (Pubkey, error) {
	var p Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("invalid pubkey %q: %w", s, err)
	}
	if len(raw) != PubkeyLength {
		return p, fmt.Errorf("invalid pubkey %q: expected %d bytes, got %d", s, PubkeyLength, len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

// MustParsePubkey is ParsePubkey for constants and tests. Panics on bad input.
func MustParsePubkey(s string) Pubkey {
	p, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether p is the all-zero identity.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Value stores the identity as base58 text.
func (p Pubkey) Value() (driver.Value, error) {
	return p.String(), nil
}

// Scan reads a base58 identity column.
func (p *Pubkey) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return p.UnmarshalText([]byte(v))
	case []byte:
		return p.UnmarshalText(v)
	case nil:
		*p = Pubkey{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Pubkey", value)
	}
}

// Signer is the authority presented with a settlement instruction.
//
// A user signer carries only its key; the execution environment has already
// checked the signature. A derived signer carries the seeds and bump that
// re-derive Key, and is accepted only if that re-derivation matches.
type Signer struct {
	Key   Pubkey
	Seeds [][]byte
	Bump  uint8
}

// UserSigner wraps a key whose signature was verified outside the engine.
func UserSigner(key Pubkey) Signer {
	return Signer{Key: key}
}

// IsDerived reports whether the signer authorizes through seed re-derivation.
func (s Signer) IsDerived() bool {
	return len(s.Seeds) > 0
}
