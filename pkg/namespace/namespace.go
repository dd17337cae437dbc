// Package namespace maps repository names (owner/name) to storage partition
// keys that are safe to use as directory names or key prefixes.
package namespace

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyName is returned for a blank repository name.
	ErrEmptyName = errors.New("empty repository name")
	// ErrInvalidKey is returned by ParseKey for strings KeyFor never produces.
	ErrInvalidKey = errors.New("invalid partition key")
)

const upperHex = "0123456789ABCDEF"

// PartitionKey identifies one repository's partition.
type PartitionKey string

func (k PartitionKey) String() string { return string(k) }

// RepoFullName recovers the repository name the key was built from.
func (k PartitionKey) RepoFullName() string {
	name, err := unescape(string(k))
	if err != nil {
		// Keys are only created by KeyFor and ParseKey, both canonical.
		return string(k)
	}
	return name
}

// KeyFor escapes every byte outside [A-Za-z0-9._-] as %XX. A leading dot is
// escaped as well so "." and ".." can never be produced.
func KeyFor(repoFullName string) (PartitionKey, error) {
	if strings.TrimSpace(repoFullName) == "" {
		return "", ErrEmptyName
	}
	var b strings.Builder
	b.Grow(len(repoFullName) + 4)
	for i := 0; i < len(repoFullName); i++ {
		c := repoFullName[i]
		if safe(c) && !(i == 0 && c == '.') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return PartitionKey(b.String()), nil
}

// ParseKey validates a key read back from storage, e.g. a directory name.
// Only keys in the exact form KeyFor produces are accepted.
func ParseKey(s string) (PartitionKey, error) {
	name, err := unescape(s)
	if err != nil {
		return "", err
	}
	key, err := KeyFor(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if string(key) != s {
		return "", fmt.Errorf("%w: %q is not canonical", ErrInvalidKey, s)
	}
	return key, nil
}

func safe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.':
		return true
	}
	return false
}

func unescape(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			if !safe(c) {
				return "", fmt.Errorf("%w: unexpected byte %q", ErrInvalidKey, c)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w: truncated escape", ErrInvalidKey)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("%w: bad escape %q", ErrInvalidKey, s[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
