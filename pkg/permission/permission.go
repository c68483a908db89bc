// Package permission defines the value types shared across estop:
// capability discriminators, contact-scoped permissions, and the packed
// 32-byte identifier used as a map key by the plan store and the journal.
package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Capability is the fixed-width discriminator of one privileged operation
// exposed by a contact entity. It is opaque to estop: the registry decides
// what an operation means, estop only stages and revokes membership in it.
type Capability [4]byte

// Root is the reserved maximal-privilege capability: an account holding Root
// on a contact has unrestricted administrative rights there. Root is the zero
// value on purpose: an uninitialized Capability is treated as Root and gets
// refused by every staging path, so forgetting to set one fails closed.
var Root = Capability{}

// CapabilityNamed derives a capability from a canonical operation signature
// string (e.g. "mint(account,amount)"). The discriminator is the first four
// bytes of the signature's SHA-256 digest, matching how the registry derives
// its own role identifiers.
func CapabilityNamed(signature string) Capability {
	sum := sha256.Sum256([]byte(signature))
	var c Capability
	copy(c[:], sum[:4])
	return c
}

// ParseCapability parses the 8-hex-digit form produced by String.
// A leading "0x" is accepted.
func ParseCapability(s string) (Capability, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 8 {
		return Capability{}, fmt.Errorf("capability %q: want 8 hex digits", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Capability{}, fmt.Errorf("capability %q: %w", s, err)
	}
	var c Capability
	copy(c[:], raw)
	return c, nil
}

// String returns the 8-hex-digit form, e.g. "a9059cbb".
func (c Capability) String() string {
	return hex.EncodeToString(c[:])
}

// IsRoot reports whether c is the reserved Root capability.
func (c Capability) IsRoot() bool {
	return c == Root
}

// Permission names one capability held on one contact. Values are immutable
// and comparable; equality is structural, so Permission is usable directly
// as a map key.
type Permission struct {
	Contact    uuid.UUID  `json:"contact"`
	Capability Capability `json:"capability"`
}

// String renders "contact-uuid#capability".
func (p Permission) String() string {
	return p.Contact.String() + "#" + p.Capability.String()
}

// MarshalJSON and UnmarshalJSON for Capability keep the wire form readable
// (hex string) rather than a byte array.

// MarshalJSON renders the capability as its hex string.
func (c Capability) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON parses the hex string form.
func (c *Capability) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseCapability(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ID is the packed permission identifier: bytes [0:4] hold the capability,
// bytes [16:32] hold the contact UUID, bytes [4:16] are zero. The two fields
// never overlap, so packing is injective over the valid domain.
type ID [32]byte

// ID packs the permission into its identifier. Pure and deterministic.
func (p Permission) ID() ID {
	var id ID
	copy(id[0:4], p.Capability[:])
	copy(id[16:32], p.Contact[:])
	return id
}

// Permission unpacks an identifier. It is the exact inverse of Permission.ID
// for identifiers that ID produced. For arbitrary ids it is a best-effort
// reconstruction: the middle bytes are ignored, not validated, so callers
// must not rely on it to reject garbage.
func (id ID) Permission() Permission {
	var p Permission
	copy(p.Capability[:], id[0:4])
	copy(p.Contact[:], id[16:32])
	return p
}

// String returns the 64-hex-digit form of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID parses the 64-hex-digit form produced by ID.String.
func ParseID(s string) (ID, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return ID{}, fmt.Errorf("permission id %q: want 64 hex digits", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("permission id %q: %w", s, err)
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// ErrMismatchedInputs signals parallel input slices of unequal length.
// Boundary code (API, CLI) checks this before any other validation.
var ErrMismatchedInputs = errors.New("mismatched input lengths")

// Zip pairs parallel contact and capability slices into permissions.
func Zip(contacts []uuid.UUID, capabilities []Capability) ([]Permission, error) {
	if len(contacts) != len(capabilities) {
		return nil, fmt.Errorf("%w: %d contacts, %d capabilities",
			ErrMismatchedInputs, len(contacts), len(capabilities))
	}
	perms := make([]Permission, len(contacts))
	for i := range contacts {
		perms[i] = Permission{Contact: contacts[i], Capability: capabilities[i]}
	}
	return perms, nil
}
