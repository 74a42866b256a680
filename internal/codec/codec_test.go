package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterScalarRoundTrip(t *testing.T) {
	w := NewWriter(16)
	require.NoError(t, w.U8(0x43))
	require.NoError(t, w.U16(1234))
	require.NoError(t, w.U32(100000))

	r := NewReader(w.Bytes())
	u8, err := r.U8()
	require.NoError(t, err)
	assert.Equal(t, byte(0x43), u8)

	u16, err := r.U16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), u16)

	u32, err := r.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(100000), u32)
}

func TestWriterOverflow(t *testing.T) {
	w := NewWriter(4)
	assert.Error(t, w.U8(256))
	assert.Error(t, w.U8(-1))
	assert.Error(t, w.U16(65536))
	assert.Error(t, w.U32(1 << 33))
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader([]byte{0x01})
	_, err := r.U16()
	assert.Error(t, err)
}

func TestCRC16BitmainDeterministic(t *testing.T) {
	a := CRC16Bitmain([]byte("load-serial-message"))
	b := CRC16Bitmain([]byte("load-serial-message"))
	assert.Equal(t, a, b)

	c := CRC16Bitmain([]byte("different"))
	assert.NotEqual(t, a, c)
}

func TestArrayHelpers(t *testing.T) {
	w := NewWriter(8)
	require.NoError(t, w.U8Array([]int{1, 2, 3}))
	require.NoError(t, w.U16Array([]int{300, 400}))
	require.NoError(t, w.U32Array([]int64{70000}))
	assert.Equal(t, 3+4+4, w.Len())
}
