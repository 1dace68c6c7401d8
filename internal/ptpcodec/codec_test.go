package ptpcodec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndianRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 256; i++ {
		u8 := uint8(rng.Intn(256))
		v8, ok := DecodeU8(EncodeU8(u8))
		require.True(t, ok)
		require.Equal(t, u8, v8)

		u16 := uint16(rng.Intn(1 << 16))
		v16, ok := DecodeU16(EncodeU16(u16))
		require.True(t, ok)
		require.Equal(t, u16, v16)

		u32 := rng.Uint32()
		v32, ok := DecodeU32(EncodeU32(u32))
		require.True(t, ok)
		require.Equal(t, u32, v32)

		u64 := rng.Uint64()
		v64, ok := DecodeU64(EncodeU64(u64))
		require.True(t, ok)
		require.Equal(t, u64, v64)
	}
}

func TestDecodeTruncatedIsNoneNotPanic(t *testing.T) {
	_, ok := DecodeU8(nil)
	require.False(t, ok)
	_, ok = DecodeU16([]byte{1})
	require.False(t, ok)
	_, ok = DecodeU32([]byte{1, 2, 3})
	require.False(t, ok)
	_, ok = DecodeU64([]byte{1, 2, 3, 4, 5, 6, 7})
	require.False(t, ok)
}

func TestContainerRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 200; i++ {
		typ := []uint16{TypeCommand, TypeResponse}[rng.Intn(2)]
		nparams := rng.Intn(6)
		params := make([]uint32, nparams)
		for j := range params {
			params[j] = rng.Uint32()
		}

		c := &Container{
			Type:          typ,
			Code:          uint16(rng.Intn(1 << 16)),
			TransactionID: rng.Uint32(),
			Params:        params,
		}

		buf := c.Encode()
		got, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, c.Type, got.Type)
		require.Equal(t, c.Code, got.Code)
		require.Equal(t, c.TransactionID, got.TransactionID)
		require.Equal(t, c.Params, got.Params)
	}

	// Data container with an arbitrary payload (<=64KiB per spec).
	payload := make([]byte, rng.Intn(64*1024))
	rng.Read(payload)
	c := &Container{Type: TypeData, Code: 0x1009, TransactionID: 7, Payload: payload}
	buf := c.Encode()
	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, payload, got.Payload)
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{"", "hello", "MTP Device", "éè"}
	for _, s := range cases {
		buf := EncodeString(s)
		got, consumed, ok := DecodeString(buf)
		require.True(t, ok)
		require.Equal(t, len(buf), consumed)
		require.Equal(t, s, got)
	}
}

func TestEmptyStringIsSingleZeroByte(t *testing.T) {
	require.Equal(t, []byte{0}, EncodeString(""))
}
