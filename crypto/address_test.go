package crypto

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

func TestAddressBech32RoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, AddressLength)
	addr := NewAddress(AccountPrefix, raw)
	require.True(t, len(addr.String()) > len(AccountPrefix))

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.True(t, addr.Equal(decoded))
	require.Equal(t, AccountPrefix, decoded.Prefix())
	require.Equal(t, raw, decoded.Bytes())

	_, err = DecodeAddress("stk1notanaddress")
	require.Error(t, err)
}

func TestModuleAddressIsDeterministic(t *testing.T) {
	a := ModuleAddress("sgmx")
	require.True(t, a.Equal(ModuleAddress("sgmx")))
	require.False(t, a.Equal(ModuleAddress("sbgmx")))
	require.Equal(t, ModulePrefix, a.Prefix())
	require.False(t, a.IsZero())
	require.True(t, Address{}.IsZero())
}

func TestAddressRLPRoundTrip(t *testing.T) {
	type holder struct {
		Owner  Address
		Module Address
	}
	in := holder{
		Owner:  NewAddress(AccountPrefix, bytes.Repeat([]byte{1}, AddressLength)),
		Module: ModuleAddress("router"),
	}
	encoded, err := rlp.EncodeToBytes(in)
	require.NoError(t, err)

	var out holder
	require.NoError(t, rlp.DecodeBytes(encoded, &out))
	require.True(t, in.Owner.Equal(out.Owner))
	require.True(t, in.Module.Equal(out.Module))
	require.Equal(t, in.Module.Prefix(), out.Module.Prefix())
}

func TestAddressStringWithoutPrefix(t *testing.T) {
	var raw [AddressLength]byte
	raw[AddressLength-1] = 0x0f
	addr := NewAddress("", raw[:])
	require.Equal(t, "000000000000000000000000000000000000000f", addr.String())
	require.Panics(t, func() { NewAddress(AccountPrefix, []byte{1, 2}) })
}
