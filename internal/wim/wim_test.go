package wim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDParse(t *testing.T) {
	id := Hash([]byte("hello"))
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	_, err = ParseID("beef")
	assert.Error(t, err)

	var null ID
	assert.True(t, null.IsNull())
	assert.False(t, id.IsNull())
}

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(CompressionLZX)
	h.ImageCount = 3
	h.BootIndex = 2
	h.LookupTable = ResourceEntry{Offset: 1000, Size: 150, OriginalSize: 150, Flags: ResFlagMetadata}
	h.XMLData = ResourceEntry{Offset: 1150, Size: 512, OriginalSize: 512}
	h.Integrity = ResourceEntry{Offset: 1662, Size: 32, OriginalSize: 32}

	b := h.Encode()
	require.Len(t, b, HeaderSize)

	parsed, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	assert.Equal(t, CompressionLZX, parsed.CompressionType())
}

func TestHeaderRejectsGarbage(t *testing.T) {
	b := make([]byte, HeaderSize)
	_, err := ParseHeader(b)
	assert.Error(t, err)
}

func TestHeaderRejectsSplit(t *testing.T) {
	h := NewHeader(CompressionNone)
	h.TotalParts = 2
	_, err := ParseHeader(h.Encode())
	assert.ErrorIs(t, err, ErrSplitUnsupported)
}

func TestResourceEntryPacking(t *testing.T) {
	e := ResourceEntry{
		Offset:       0xdeadbeef,
		Size:         0x123456789a,
		OriginalSize: 0xfedcba9876,
		Flags:        ResFlagCompressed | ResFlagMetadata,
	}
	b := e.appendTo(nil)
	require.Len(t, b, resourceEntrySize)
	assert.Equal(t, e, parseResourceEntry(b))
}

func TestLookupEntryRoundTrip(t *testing.T) {
	e := ResourceEntry{Offset: 212, Size: 4096, OriginalSize: 9000, Flags: ResFlagCompressed}
	hash := Hash([]byte("stream contents"))

	b := AppendLookupEntry(nil, e, 7, hash)
	require.Len(t, b, LookupEntrySize)

	pe, refCount, phash, err := ParseLookupEntry(b)
	require.NoError(t, err)
	assert.Equal(t, e, pe)
	assert.Equal(t, uint32(7), refCount)
	assert.Equal(t, hash, phash)
}

func TestCompressionTypeParse(t *testing.T) {
	for _, tc := range []struct {
		name string
		want CompressionType
	}{
		{"none", CompressionNone},
		{"xpress", CompressionXPRESS},
		{"lzx", CompressionLZX},
	} {
		got, err := ParseCompressionType(tc.name)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.name, got.String())
	}

	_, err := ParseCompressionType("zstd")
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestInfoXMLRoundTrip(t *testing.T) {
	info := &Info{
		TotalBytes: 123456,
		Images: []ImageInfo{
			{
				Index:        1,
				Name:         "base",
				DirCount:     10,
				FileCount:    100,
				TotalBytes:   99999,
				CreationTime: Filetime{LowDateTime: 0x1234, HighDateTime: 0x1db0000},
				ModTime:      Filetime{LowDateTime: 0x5678, HighDateTime: 0x1db0001},
			},
		},
	}

	b, err := EncodeInfoXML(info)
	require.NoError(t, err)
	// UTF-16LE with BOM
	assert.Equal(t, []byte{0xff, 0xfe}, b[:2])

	decoded, err := DecodeInfoXML(b)
	require.NoError(t, err)
	assert.Equal(t, info.TotalBytes, decoded.TotalBytes)
	require.Len(t, decoded.Images, 1)
	assert.Equal(t, info.Images[0], decoded.Images[0])
}

func TestFiletimeConversion(t *testing.T) {
	ft := Filetime{LowDateTime: 0, HighDateTime: 0x01d00000}
	back := FiletimeFromTime(ft.Time())
	assert.Equal(t, ft, back)
}
