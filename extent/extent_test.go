package extent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRCDescriptorValidate(t *testing.T) {
	ok := CRCDescriptor{LiveSize: 10, OffsetIntoUncompressed: 5, UncompressedSize: 20}
	require.NoError(t, ok.Validate())

	liveTooBig := CRCDescriptor{LiveSize: 30, UncompressedSize: 20}
	require.Error(t, liveTooBig.Validate())

	offsetOverruns := CRCDescriptor{LiveSize: 10, OffsetIntoUncompressed: 15, UncompressedSize: 20}
	require.Error(t, offsetOverruns.Validate())
}

func TestKeyLessOrdersByInodeThenStartThenVersionDescending(t *testing.T) {
	a := Key{Inode: 1, Start: 0, Version: 1}
	b := Key{Inode: 1, Start: 0, Version: 2}
	require.True(t, b.Less(a), "higher version at the same (inode, start) sorts first")
	require.False(t, a.Less(b))

	c := Key{Inode: 1, Start: 10, Version: 1}
	require.True(t, a.Less(c))

	d := Key{Inode: 2, Start: 0, Version: 1}
	require.True(t, c.Less(d))
}

func TestExtentOverlaps(t *testing.T) {
	e := &Extent{Inode: 1, Start: 10, End: 20}
	require.True(t, e.Overlaps(1, 15, 25))
	require.True(t, e.Overlaps(1, 0, 11))
	require.False(t, e.Overlaps(1, 20, 30)) // half-open: End is exclusive
	require.False(t, e.Overlaps(2, 10, 20)) // different inode
}

func TestDirtyPointersExcludesCached(t *testing.T) {
	e := &Extent{Pointers: []Pointer{
		{Device: 1, Cached: false},
		{Device: 2, Cached: true},
		{Device: 3, Cached: false},
	}}
	dirty := e.DirtyPointers()
	require.Len(t, dirty, 2)
	require.Equal(t, DeviceID(1), dirty[0].Device)
	require.Equal(t, DeviceID(3), dirty[1].Device)
}

func TestCloneIsIndependent(t *testing.T) {
	orig := &Extent{Inode: 1, Pointers: []Pointer{{Device: 1}}}
	clone := orig.Clone()
	clone.Pointers[0].Device = 99
	require.Equal(t, DeviceID(1), orig.Pointers[0].Device, "mutating the clone must not affect the original")
}

func TestMarshalBinaryWithBufferDeterministic(t *testing.T) {
	e := &Extent{
		Inode: 7, Start: 0, End: 100, Version: 3,
		CRC:      CRCDescriptor{CompressedSize: 100, UncompressedSize: 100, ChecksumType: ChecksumCRC32C, ChecksumValue: 42},
		Pointers: []Pointer{{Device: 1, DeviceOffset: 1024}},
	}
	var buf1, buf2 bytes.Buffer
	require.NoError(t, e.MarshalBinaryWithBuffer(&buf1))
	require.NoError(t, e.MarshalBinaryWithBuffer(&buf2))
	require.Equal(t, buf1.Bytes(), buf2.Bytes())
	require.NotEmpty(t, buf1.Bytes())
}
