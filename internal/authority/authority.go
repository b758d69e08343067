// Package authority derives key-less custodian identities.
//
// A derived identity is sha256(seeds || bump || programID || marker), kept only
// when the digest is not a valid ed25519 point, so no private key can exist
// for it. Authorizing "as" such an identity means presenting the seeds and bump
// that reproduce it.
package authority

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"escrow_dex/internal/domain"

	"filippo.io/edwards25519"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32

	derivationMarker = "ProgramDerivedAddress"
)

// Seed namespaces. They are part of the on-ledger address scheme and must never change.
const (
	NamespaceMarketplace   = "marketplace"
	NamespaceMintAuthority = "mint-authority"
	NamespaceListing       = "listing"
	NamespaceEscrow        = "escrow"
)

var (
	ErrOnCurve       = errors.New("derived address lies on the ed25519 curve")
	ErrNoViableBump  = errors.New("no viable bump seed")
	ErrInvalidSeeds  = errors.New("invalid seeds")
	ErrZeroProgramID = errors.New("program id must not be zero")
)

// Deriver computes identities under one program id. It holds no secrets.
type Deriver struct {
	programID domain.Pubkey
}

// NewDeriver returns a deriver bound to programID.
func NewDeriver(programID domain.Pubkey) (*Deriver, error) {
	if programID.IsZero() {
		return nil, ErrZeroProgramID
	}
	return &Deriver{programID: programID}, nil
}

// ProgramIDFromName hashes a deployment name into a program id, for configs
// that do not pin an explicit one.
func ProgramIDFromName(name string) domain.Pubkey {
	return domain.Pubkey(sha256.Sum256([]byte(name)))
}

// ProgramID returns the id every derivation is bound to.
func (d *Deriver) ProgramID() domain.Pubkey {
	return d.programID
}

// CreateAddress derives the identity for seeds plus an explicit bump.
func (d *Deriver) CreateAddress(seeds [][]byte, bump uint8) (domain.Pubkey, error) {
	if len(seeds) >= MaxSeeds {
		return domain.Pubkey{}, fmt.Errorf("%w: %d seeds, max %d", ErrInvalidSeeds, len(seeds), MaxSeeds-1)
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return domain.Pubkey{}, fmt.Errorf("%w: seed of %d bytes, max %d", ErrInvalidSeeds, len(seed), MaxSeedLength)
		}
		h.Write(seed)
	}
	h.Write([]byte{bump})
	h.Write(d.programID[:])
	h.Write([]byte(derivationMarker))

	var out domain.Pubkey
	copy(out[:], h.Sum(nil))
	if IsOnCurve(out) {
		return domain.Pubkey{}, ErrOnCurve
	}
	return out, nil
}

// FindAddress searches bumps from 255 down and returns the first off-curve identity.
func (d *Deriver) FindAddress(seeds ...[]byte) (domain.Pubkey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := d.CreateAddress(seeds, uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return domain.Pubkey{}, 0, err
		}
	}
	return domain.Pubkey{}, 0, ErrNoViableBump
}

// Derive is FindAddress for a namespace tag followed by context values.
func (d *Deriver) Derive(namespace string, context ...[]byte) (domain.Pubkey, uint8, error) {
	seeds := make([][]byte, 0, len(context)+1)
	seeds = append(seeds, []byte(namespace))
	seeds = append(seeds, context...)
	return d.FindAddress(seeds...)
}

// Signer derives the identity for seeds and packages it as a derived signer.
func (d *Deriver) Signer(seeds ...[]byte) (domain.Signer, error) {
	key, bump, err := d.FindAddress(seeds...)
	if err != nil {
		return domain.Signer{}, err
	}
	return domain.Signer{Key: key, Seeds: seeds, Bump: bump}, nil
}

// Verify re-derives the signer's key from its seeds and bump.
func (d *Deriver) Verify(s domain.Signer) bool {
	if !s.IsDerived() {
		return false
	}
	addr, err := d.CreateAddress(s.Seeds, s.Bump)
	return err == nil && addr == s.Key
}

// IsOnCurve reports whether p decodes as an ed25519 point, i.e. could be a wallet key.
func IsOnCurve(p domain.Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(p[:])
	return err == nil
}

// MarketplaceSeeds addresses the singleton registry.
func MarketplaceSeeds() [][]byte {
	return [][]byte{[]byte(NamespaceMarketplace)}
}

// MintAuthoritySeeds addresses the shared mint custodian.
func MintAuthoritySeeds() [][]byte {
	return [][]byte{[]byte(NamespaceMintAuthority)}
}

// ListingSeeds addresses a listing: "listing" || seller || little-endian id.
func ListingSeeds(seller domain.Pubkey, listingID uint64) [][]byte {
	id := make([]byte, 8)
	binary.LittleEndian.PutUint64(id, listingID)
	return [][]byte{[]byte(NamespaceListing), seller[:], id}
}

// EscrowSeeds addresses the holding account custodied by a listing.
func EscrowSeeds(listing domain.Pubkey) [][]byte {
	return [][]byte{[]byte(NamespaceEscrow), listing[:]}
}

// IsOffCurve reports whether p can only be a derived identity.
func IsOffCurve(p domain.Pubkey) bool {
	return !IsOnCurve(p)
}
