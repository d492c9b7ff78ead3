package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFilePartLength is the largest file part served for one ReadFilePart request.
	MaxFilePartLength = 1024 * 1024

	// DefaultFilePartLength is the part size requested by the downloader.
	DefaultFilePartLength = 64 * 1024

	// MaxHeaderLength bounds the non-payload portion of any packet.
	MaxHeaderLength = 4096

	// MaxPacketSize is the largest frame accepted from the wire: a full part,
	// a full header and the packet type and header length prefix.
	MaxPacketSize = MaxFilePartLength + MaxHeaderLength + 3

	// MaxNickLength is the maximum nickname length in bytes.
	MaxNickLength = 64

	// MaxRoomNameLength is the maximum room name length in bytes.
	MaxRoomNameLength = 128

	// MaxFileNameLength matches typical filesystem limits and fits in a uint16.
	MaxFileNameLength = 255
)

var (
	// ErrNameEmpty indicates an empty name was provided
	ErrNameEmpty = errors.New("empty name")

	// ErrNameTooLong indicates a name exceeds its limit
	ErrNameTooLong = errors.New("name too long")

	// ErrPartLengthInvalid indicates a non-positive part length
	ErrPartLengthInvalid = errors.New("invalid part length")

	// ErrPacketTooLarge indicates a frame exceeds MaxPacketSize
	ErrPacketTooLarge = errors.New("packet too large")
)

// ValidateName checks that a named field is non-empty and within maxLen bytes.
// The field name is included in the returned error.
func ValidateName(field, value string, maxLen int) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: %s", ErrNameEmpty, field)
	}
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s length %d exceeds limit %d", ErrNameTooLong, field, len(value), maxLen)
	}
	return nil
}

// ClampFilePartLength bounds a requested part length to MaxFilePartLength.
// Non-positive lengths are returned unchanged so the caller can reject them.
func ClampFilePartLength(length int64) int64 {
	if length > MaxFilePartLength {
		return MaxFilePartLength
	}
	return length
}

// ValidateFilePartLength validates a part length against the given maximum.
func ValidateFilePartLength(length, maxLen int64) error {
	if length <= 0 {
		return fmt.Errorf("%w: %d", ErrPartLengthInvalid, length)
	}
	if length > maxLen {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrPartLengthInvalid, length, maxLen)
	}
	return nil
}

// ValidatePacketSize validates a frame length read from the wire.
func ValidatePacketSize(size uint32) error {
	if size == 0 {
		return fmt.Errorf("%w: empty frame", ErrPacketTooLarge)
	}
	if size > MaxPacketSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, size, MaxPacketSize)
	}
	return nil
}
