// Package idgen generates short, URL-safe service instance IDs with nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// InstancePrefix is prepended to every instance ID.
const InstancePrefix = "inst-"

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	length   = 12
)

// Instance returns a new instance ID such as "inst-4f0c2k9x1m3a".
func Instance() (string, error) {
	return WithPrefix(InstancePrefix)
}

// WithPrefix returns a new ID with the given prefix.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
