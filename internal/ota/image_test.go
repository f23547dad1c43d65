package ota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhome/voxd/internal/types"
)

func TestBuildAndDecodeImage(t *testing.T) {
	img := BuildImage("1.4.2", 1700000000, []byte("firmware payload"))

	header, err := DecodeHeader(img)
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", header.VersionString())
	assert.Equal(t, uint32(1700000000), header.BuildEra)

	require.NoError(t, ValidateImage(img))
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	_, err := DecodeHeader([]byte("short"))
	assert.ErrorIs(t, err, types.ErrInvalidImage)

	img := BuildImage("1.0.0", 0, nil)
	img[0] = 'X'
	_, err = DecodeHeader(img)
	assert.ErrorIs(t, err, types.ErrInvalidImage)
}

func TestValidateImageDetectsCorruption(t *testing.T) {
	img := BuildImage("1.0.0", 0, []byte("payload"))

	corrupted := append([]byte(nil), img...)
	corrupted[HeaderSize+2] ^= 0xff
	assert.ErrorIs(t, ValidateImage(corrupted), types.ErrInvalidImage)

	truncated := img[:HeaderSize+TrailerLen-1]
	assert.ErrorIs(t, ValidateImage(truncated), types.ErrInvalidImage)
}

func TestVersionFieldTruncates(t *testing.T) {
	long := "1.0.0-with-an-extremely-long-build-suffix-beyond-field"
	field := VersionField(long)
	assert.Equal(t, long[:VersionFieldLen], string(field[:]))
}
