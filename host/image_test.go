package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageReadWrite(t *testing.T) {
	im := NewImage(0x10000, 0x2000)
	require.Equal(t, uint64(0x2000), im.Size())

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n, err := im.WriteAt(data, 0x10ffc)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	out := make([]byte, len(data))
	_, err = im.ReadAt(out, 0x10ffc)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = im.ReadAt(out, 0x11ffc)
	assert.ErrorIs(t, err, ErrUnmapped)
	_, err = im.ReadAt(out, 0xfff0)
	assert.ErrorIs(t, err, ErrUnmapped)
}

func TestImageProtection(t *testing.T) {
	im := NewImage(0x10000, 0x3000)
	require.NoError(t, im.Protect(0x11000, 0x1000, ProtRead))

	_, err := im.WriteAt([]byte{1}, 0x11010)
	assert.ErrorIs(t, err, ErrProtection)

	region, err := im.Region(0x11800)
	require.NoError(t, err)
	assert.Equal(t, Range{Base: 0x11000, Size: 0x1000}, region.Range)
	assert.Equal(t, ProtRead, region.Prot)

	region, err = im.Region(0x10000)
	require.NoError(t, err)
	assert.Equal(t, Range{Base: 0x10000, Size: 0x1000}, region.Range)
	assert.Equal(t, ProtAll, region.Prot)

	require.NoError(t, im.Seal(0x12000, 1))
	assert.ErrorIs(t, im.Protect(0x12000, 0x1000, ProtNone), ErrProtection)
}

func TestGuardRestores(t *testing.T) {
	im := NewImage(0x10000, 0x4000)
	require.NoError(t, im.Protect(0x10000, 0x4000, ProtRX))
	require.NoError(t, im.Protect(0x12000, 0x1000, ProtRW))

	g, err := Acquire(im, 0x11ff8, 0x1010, AddProt(ProtWrite))
	require.NoError(t, err)
	assert.True(t, g.Changed())

	for _, addr := range []uint64{0x11000, 0x12000, 0x13000} {
		region, err := im.Region(addr)
		require.NoError(t, err)
		assert.NotZero(t, region.Prot&ProtWrite, "%#x", addr)
	}

	require.NoError(t, g.Release())
	require.NoError(t, g.Release())

	for addr, want := range map[uint64]Prot{0x11000: ProtRX, 0x12000: ProtRW, 0x13000: ProtRX} {
		region, err := im.Region(addr)
		require.NoError(t, err)
		assert.Equal(t, want, region.Prot, "%#x", addr)
	}
}

func TestGuardRollbackOnFailure(t *testing.T) {
	im := NewImage(0x10000, 0x3000)
	require.NoError(t, im.Protect(0x10000, 0x3000, ProtRead))
	require.NoError(t, im.Seal(0x11000, 0x1000))

	_, err := Acquire(im, 0x10000, 0x3000, AddProt(ProtWrite))
	require.ErrorIs(t, err, ErrProtection)

	region, err := im.Region(0x10000)
	require.NoError(t, err)
	assert.Equal(t, ProtRead, region.Prot)
}

func TestProtString(t *testing.T) {
	assert.Equal(t, "r-x", ProtRX.String())
	assert.Equal(t, "---", ProtNone.String())
	assert.Equal(t, ProtRW, ParseProt("rw-p"))
	assert.Equal(t, ProtAll, ParseProt("rwxp"))
}

func TestFindModule(t *testing.T) {
	im := NewImage(0x10000, 0x1000)
	im.AddModule(Module{Name: "libfoo.so", Path: "/system/lib64/libfoo.so", Base: 0x10000, Size: 0x1000})

	m, err := im.FindModule("libfoo.so")
	require.NoError(t, err)
	assert.True(t, m.Range().Contains(0x10fff))
	assert.False(t, m.Range().Contains(0x11000))

	_, err = im.FindModule("libbar.so")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}
