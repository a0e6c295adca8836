// Package node owns the identity of a hub process and the ULID generator
// used for message IDs.
//
// The hub ID is generated once per data directory and kept in a small file
// next to the event log. It tags archived log segments so archives from
// different hubs never collide.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "hub_id"

// ID is the stable ULID of a hub process.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node is the persisted identity of this hub.
type Node struct {
	id      ID
	dataDir string
}

// New loads the hub ID from dataDir, creating dataDir and a fresh ID when
// needed. A non-empty override other than "auto" replaces the stored ID.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the hub's ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory.
func (n *Node) DataDir() string { return n.dataDir }

// Scope joins prefix and the hub ID into a slash-separated key prefix, for
// storage shared between hubs.
func (n *Node) Scope(prefix string) string {
	return path.Join(prefix, string(n.id))
}

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(s); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", s, err)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}

// A single monotonic source keeps IDs generated in the same millisecond
// ordered, which is what makes message IDs sort by acceptance.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, monotonically increasing ULID string.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
