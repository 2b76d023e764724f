// Package linklog stores per-remote-node statistics of node links.
package linklog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/skycoin/nodelink/pkg/routing"
)

// Entry holds the statistics of the links to one remote node. The entry of a
// node accumulates over every link ever established with it.
type Entry struct {
	MessagesSent       uint64 `json:"messages_sent"`
	MessagesReceived   uint64 `json:"messages_received"`
	BytesSent          uint64 `json:"bytes_sent"`
	BytesReceived      uint64 `json:"bytes_received"`
	Relayed            uint64 `json:"relayed"`
	ValidationFailures uint64 `json:"validation_failures"`
	Links              uint64 `json:"links"`
}

// Add accumulates other into e.
func (e *Entry) Add(other *Entry) {
	e.MessagesSent += other.MessagesSent
	e.MessagesReceived += other.MessagesReceived
	e.BytesSent += other.BytesSent
	e.BytesReceived += other.BytesReceived
	e.Relayed += other.Relayed
	e.ValidationFailures += other.ValidationFailures
	e.Links += other.Links
}

// Store stores link log entries.
type Store interface {
	Entry(name routing.NodeName) (*Entry, error)
	Record(name routing.NodeName, entry *Entry) error
}

// accumulateMu serializes Accumulate, as nodes of one process may share a
// store.
var accumulateMu sync.Mutex

// Accumulate adds entry to the entry stored for name.
func Accumulate(s Store, name routing.NodeName, entry *Entry) error {
	accumulateMu.Lock()
	defer accumulateMu.Unlock()

	stored, err := s.Entry(name)
	if err != nil {
		return err
	}
	if stored == nil {
		stored = &Entry{}
	}
	stored.Add(entry)
	return s.Record(name, stored)
}

type inMemoryStore struct {
	entries map[routing.NodeName]*Entry
	mu      sync.Mutex
}

// InMemoryStore implements in-memory Store.
func InMemoryStore() Store {
	return &inMemoryStore{
		entries: map[routing.NodeName]*Entry{},
	}
}

func (s *inMemoryStore) Entry(name routing.NodeName) (*Entry, error) {
	s.mu.Lock()
	entry, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	e := *entry
	return &e, nil
}

func (s *inMemoryStore) Record(name routing.NodeName, entry *Entry) error {
	e := *entry
	s.mu.Lock()
	s.entries[name] = &e
	s.mu.Unlock()
	return nil
}

type fileStore struct {
	dir string
}

// FileStore implements Store with one JSON file per remote node in dir.
func FileStore(dir string) Store {
	return &fileStore{dir}
}

func (s *fileStore) path(name routing.NodeName) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.log", name))
}

func (s *fileStore) Entry(name routing.NodeName) (*Entry, error) {
	f, err := os.Open(s.path(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open: %s", err)
	}
	defer f.Close() // nolint: errcheck

	entry := &Entry{}
	if err := json.NewDecoder(f).Decode(entry); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	return entry, nil
}

func (s *fileStore) Record(name routing.NodeName, entry *Entry) error {
	f, err := os.OpenFile(s.path(name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open: %s", err)
	}
	defer f.Close() // nolint: errcheck

	if err := json.NewEncoder(f).Encode(entry); err != nil {
		return fmt.Errorf("json: %s", err)
	}
	return nil
}
