// Package record implements the tagged-variant event codec (C1): the
// fixed-size, POD-shaped encoding every other subsystem in this module
// builds on. See DESIGN.md for how this generalizes the teacher's
// binary.Write-based KV codec to 14 record kinds with a 1-byte
// discriminator.
package record

import (
	"bytes"
	"fmt"

	"github.com/exchangecore/ledger/xerrors"
)

// Fixed-width identifier arrays, per spec.md §3: "Variable-width identifiers
// are stored in fixed-size byte arrays (null-terminated) so every record is
// POD-sized."
type (
	ID16 [16]byte // instrument id
	ID32 [32]byte // user id / trade id
	ID40 [40]byte // order id
)

// ErrIDTooLong is returned when a string id does not fit in its fixed-width
// array including the trailing null terminator. Implementations MUST reject
// such input rather than silently truncate it (spec.md §4.1 invariant c).
var ErrIDTooLong = fmt.Errorf("record: id exceeds fixed-width capacity")

func newID(dst []byte, s string) error {
	if len(s) > len(dst)-1 {
		return fmt.Errorf("%w: %q needs %d bytes, capacity is %d", ErrIDTooLong, s, len(s)+1, len(dst))
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	return nil
}

func idString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}

func validateID(src []byte) error {
	if bytes.IndexByte(src, 0) < 0 {
		return fmt.Errorf("id missing null terminator: %w", xerrors.ErrCorruption)
	}
	return nil
}

// NewID16 builds a fixed instrument id, rejecting strings too long to fit.
func NewID16(s string) (ID16, error) {
	var id ID16
	err := newID(id[:], s)
	return id, err
}

// NewID32 builds a fixed user/trade id, rejecting strings too long to fit.
func NewID32(s string) (ID32, error) {
	var id ID32
	err := newID(id[:], s)
	return id, err
}

// NewID40 builds a fixed order id, rejecting strings too long to fit.
func NewID40(s string) (ID40, error) {
	var id ID40
	err := newID(id[:], s)
	return id, err
}

func (id ID16) String() string { return idString(id[:]) }
func (id ID32) String() string { return idString(id[:]) }
func (id ID40) String() string { return idString(id[:]) }
