package memview

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestImageDereference(t *testing.T) {
	img, err := NewImage(
		Segment{Addr: 0x2000, Data: []byte{5, 6, 7, 8}},
		Segment{Addr: 0x1000, Data: []byte{1, 2, 3, 4}},
	)
	require.NoError(t, err)
	require.Len(t, img.Segments(), 2)
	require.Equal(t, uint64(0x1000), img.Segments()[0].Addr)

	buf := make([]byte, 2)
	require.True(t, img.Dereference(buf, 0x1001))
	require.Equal(t, []byte{2, 3}, buf)
	require.True(t, img.Dereference(buf, 0x2002))
	require.Equal(t, []byte{7, 8}, buf)

	for _, addr := range []uint64{0x0fff, 0x1003, 0x1004, 0x1fff, 0x2003, ^uint64(0)} {
		require.False(t, img.Dereference(buf, addr), "%#x", addr)
	}
}

func TestImageRejectsOverlap(t *testing.T) {
	_, err := NewImage(
		Segment{Addr: 0x1000, Data: make([]byte, 0x20)},
		Segment{Addr: 0x1010, Data: make([]byte, 0x20)},
	)
	require.ErrorContains(t, err, "overlaps")
}

func TestRecorder(t *testing.T) {
	img, err := NewImage(Segment{Addr: 0x10, Data: make([]byte, 16)})
	require.NoError(t, err)
	r := NewRecorder(img)
	buf := make([]byte, 8)
	require.True(t, r.Dereference(buf, 0x10))
	require.False(t, r.Dereference(buf, 0x40))
	require.Equal(t, []Access{{Addr: 0x10, Len: 8}, {Addr: 0x40, Len: 8}}, r.Reads())
	r.Reset()
	require.Empty(t, r.Reads())
}

func TestLiveDereference(t *testing.T) {
	words := []uintptr{0x1111, 0x2222, 0x3333}
	base := AddressOf(words)
	buf := make([]byte, unsafe.Sizeof(uintptr(0)))
	require.True(t, Live{}.Dereference(buf, base+uint64(len(buf))))
	require.Equal(t, uintptr(0x2222), *(*uintptr)(unsafe.Pointer(&buf[0])))
	require.False(t, Live{}.Dereference(buf, 0))
	runtime.KeepAlive(words)
}
