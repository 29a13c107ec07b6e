package crypto

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// AddressPrefix is the bech32 human-readable part of an address.
type AddressPrefix string

const (
	// AccountPrefix marks addresses controlled by a key.
	AccountPrefix AddressPrefix = "stk"
	// ModulePrefix marks ledger components: tokens, trackers, distributors,
	// vesters and the router.
	ModulePrefix AddressPrefix = "stkmod"
)

const AddressLength = 20

// Address is a 20 byte ledger principal. The value is comparable, so it
// doubles as a map key; two addresses with the same bytes but different
// prefixes are Equal but distinct keys.
type Address struct {
	prefix AddressPrefix
	bytes  [AddressLength]byte
}

// NewAddress panics unless b is exactly AddressLength bytes.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic(fmt.Sprintf("crypto: address needs %d bytes, got %d", AddressLength, len(b)))
	}
	addr := Address{prefix: prefix}
	copy(addr.bytes[:], b)
	return addr
}

// ModuleAddress derives the component address for name from the low 20
// bytes of keccak256("module:" + name).
func ModuleAddress(name string) Address {
	digest := crypto.Keccak256([]byte("module:" + strings.TrimSpace(name)))
	return NewAddress(ModulePrefix, digest[len(digest)-AddressLength:])
}

// DecodeAddress parses a bech32 address, keeping whatever prefix it carries.
func DecodeAddress(text string) (Address, error) {
	hrp, data, err := bech32.Decode(strings.TrimSpace(text))
	if err != nil {
		return Address{}, fmt.Errorf("crypto: decode address %q: %w", text, err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: decode address %q: %w", text, err)
	}
	if len(raw) != AddressLength {
		return Address{}, fmt.Errorf("crypto: address %q has %d bytes", text, len(raw))
	}
	return NewAddress(AddressPrefix(hrp), raw), nil
}

func (a Address) IsZero() bool { return a.bytes == [AddressLength]byte{} }

// Equal compares bytes only.
func (a Address) Equal(other Address) bool { return a.bytes == other.bytes }

func (a Address) Prefix() AddressPrefix { return a.prefix }

func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes[:]...)
}

// String renders bech32, or bare hex when the address has no prefix.
func (a Address) String() string {
	if a.prefix == "" {
		return hex.EncodeToString(a.bytes[:])
	}
	data, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err == nil {
		var encoded string
		if encoded, err = bech32.Encode(string(a.prefix), data); err == nil {
			return encoded
		}
	}
	panic(fmt.Sprintf("crypto: encode address: %v", err))
}

type rlpAddress struct {
	Prefix string
	Bytes  []byte
}

// EncodeRLP lets snapshots embed addresses with their prefix intact.
func (a Address) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, rlpAddress{Prefix: string(a.prefix), Bytes: a.bytes[:]})
}

func (a *Address) DecodeRLP(s *rlp.Stream) error {
	var stored rlpAddress
	if err := s.Decode(&stored); err != nil {
		return err
	}
	if len(stored.Bytes) != AddressLength {
		return fmt.Errorf("crypto: stored address has %d bytes", len(stored.Bytes))
	}
	*a = NewAddress(AddressPrefix(stored.Prefix), stored.Bytes)
	return nil
}
