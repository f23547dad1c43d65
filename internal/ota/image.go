package ota

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/voxhome/voxd/internal/types"
)

// Firmware image layout. Every image starts with a fixed-size header whose
// version field is compared byte-for-byte against the running image before
// any partition write begins, and ends with a SHA-256 trailer over all
// preceding bytes.
const (
	// HeaderSize is the number of bytes the upgrade buffers before it can
	// validate an incoming image.
	HeaderSize = 256
	// VersionFieldOffset is the byte offset of the version field.
	VersionFieldOffset = 16
	// VersionFieldLen is the fixed size of the NUL-padded version field.
	VersionFieldLen = 32
	// TrailerLen is the size of the SHA-256 checksum trailer.
	TrailerLen = sha256.Size
)

// imageMagic identifies a firmware image header.
var imageMagic = [4]byte{'V', 'X', 'F', '1'}

// Header is the decoded firmware image header.
type Header struct {
	Version  [VersionFieldLen]byte
	BuildEra uint32 // seconds since epoch, informational
}

// VersionString returns the header version with NUL padding stripped.
func (h *Header) VersionString() string {
	return string(bytes.TrimRight(h.Version[:], "\x00"))
}

// VersionField returns the fixed-size field a version string occupies in
// an image header. Versions longer than the field are truncated.
func VersionField(version string) [VersionFieldLen]byte {
	var field [VersionFieldLen]byte
	copy(field[:], version)
	return field
}

// DecodeHeader validates and decodes an image header from buf, which must
// hold at least HeaderSize bytes. It returns types.ErrInvalidImage when the
// magic or structure is wrong instead of interpreting arbitrary bytes.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, types.ErrInvalidImage
	}
	if !bytes.Equal(buf[:4], imageMagic[:]) {
		return nil, types.ErrInvalidImage
	}

	var h Header
	copy(h.Version[:], buf[VersionFieldOffset:VersionFieldOffset+VersionFieldLen])
	h.BuildEra = binary.LittleEndian.Uint32(buf[VersionFieldOffset+VersionFieldLen:])
	return &h, nil
}

// ValidateImage checks the structure and checksum trailer of a complete
// image. It is the finalize-time validation intrinsic to the format.
func ValidateImage(data []byte) error {
	if len(data) < HeaderSize+TrailerLen {
		return types.ErrInvalidImage
	}
	if _, err := DecodeHeader(data); err != nil {
		return err
	}
	body := data[:len(data)-TrailerLen]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], data[len(data)-TrailerLen:]) {
		return types.ErrInvalidImage
	}
	return nil
}

// BuildImage assembles a complete firmware image from a version string and
// payload. It exists for the factory tooling and for tests.
func BuildImage(version string, buildEra uint32, payload []byte) []byte {
	header := make([]byte, HeaderSize)
	copy(header, imageMagic[:])
	field := VersionField(version)
	copy(header[VersionFieldOffset:], field[:])
	binary.LittleEndian.PutUint32(header[VersionFieldOffset+VersionFieldLen:], buildEra)

	img := make([]byte, 0, HeaderSize+len(payload)+TrailerLen)
	img = append(img, header...)
	img = append(img, payload...)
	sum := sha256.Sum256(img)
	return append(img, sum[:]...)
}
