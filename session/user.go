package session

import (
	"fmt"
	"sort"

	"github.com/DepengLiu/TCPChat/limits"
)

// User identifies a chat participant. Metadata is carried opaquely between
// peers so the remote side can recognize who connected.
type User struct {
	Nick     string
	Metadata map[string]string
}

// NewUser creates a user with the given nick.
func NewUser(nick string) User {
	return User{Nick: nick}
}

// Validate checks the nick and metadata sizes.
func (u User) Validate() error {
	if err := limits.ValidateName("nick", u.Nick, limits.MaxNickLength); err != nil {
		return err
	}
	for k, v := range u.Metadata {
		if k == "" {
			return fmt.Errorf("%w: metadata key", limits.ErrNameEmpty)
		}
		if len(k) > limits.MaxNickLength || len(v) > limits.MaxHeaderLength {
			return fmt.Errorf("%w: metadata %q", limits.ErrNameTooLong, k)
		}
	}
	return nil
}

// Clone returns a copy that shares no state with u.
func (u User) Clone() User {
	c := User{Nick: u.Nick}
	if len(u.Metadata) > 0 {
		c.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// MetadataKeys returns the metadata keys in sorted order.
func (u User) MetadataKeys() []string {
	keys := make([]string, 0, len(u.Metadata))
	for k := range u.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (u User) String() string {
	return u.Nick
}
