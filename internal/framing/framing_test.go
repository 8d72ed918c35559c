package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeader(t *testing.T) {
	payload := []byte("backtrace")
	h := NewHeader(payload)
	b := make([]byte, HeaderSize)
	h.Put(b)

	got, err := ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.NoError(t, got.Verify(payload))
	require.ErrorIs(t, got.Verify([]byte("backtracf")), ErrChecksum)
	require.ErrorIs(t, got.Verify(payload[:3]), ErrChecksum)
}

func TestParseHeaderErased(t *testing.T) {
	_, err := ParseHeader(bytes.Repeat([]byte{0xff}, HeaderSize))
	require.ErrorIs(t, err, ErrErased)
	_, err = ParseHeader(make([]byte, HeaderSize))
	require.ErrorIs(t, err, ErrBadMagic)
}
