package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/DepengLiu/TCPChat/limits"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ID uniquely identifies a file offered by a client.
type ID string

// NewID returns a fresh random file identity.
func NewID() ID {
	return ID(uuid.NewString())
}

// String returns the textual form of the identity.
func (id ID) String() string { return string(id) }

// Description identifies an offered file and its declared size.
// Two descriptions are the same file when their IDs match.
type Description struct {
	ID       ID
	Name     string
	Size     int64
	Checksum []byte // BLAKE2b-256 of the content, optional
}

// Equal reports whether d and other describe the same file.
func (d Description) Equal(other Description) bool {
	return d.ID == other.ID
}

// Validate checks the fields a peer must supply for a usable description.
func (d Description) Validate() error {
	if d.ID == "" {
		return errors.New("file id is empty")
	}
	if d.Size < 0 {
		return fmt.Errorf("file size %d is negative", d.Size)
	}
	if len(d.Name) > limits.MaxFileNameLength {
		return fmt.Errorf("%w: file name length %d", limits.ErrNameTooLong, len(d.Name))
	}
	return nil
}

// Checksum computes the BLAKE2b-256 digest of r.
func Checksum(r io.Reader) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// DescribeFile builds a description for a file on disk with a new identity.
func DescribeFile(path string) (Description, error) {
	safePath, err := ValidatePath(path)
	if err != nil {
		return Description{}, err
	}

	f, err := os.Open(safePath)
	if err != nil {
		return Description{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Description{}, err
	}
	if info.IsDir() {
		return Description{}, fmt.Errorf("%s is a directory", safePath)
	}

	sum, err := Checksum(f)
	if err != nil {
		return Description{}, fmt.Errorf("checksum %s: %w", safePath, err)
	}

	return Description{
		ID:       NewID(),
		Name:     filepath.Base(safePath),
		Size:     info.Size(),
		Checksum: sum,
	}, nil
}
