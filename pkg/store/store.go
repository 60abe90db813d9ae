// Package store persists the mock server's configuration and directory
// mappings. The server only depends on the Store interface; the in-memory
// and YAML file implementations here are the two backends the CLI offers.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/koblas/mockserver/pkg/config"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence collaborator consumed by the control surface and
// the supervisor.
type Store interface {
	// LoadConfig returns the singleton config, or the defaults if none was saved.
	LoadConfig(ctx context.Context) (config.ServerConfig, error)
	// LoadMappings returns every mapping ordered by ID.
	LoadMappings(ctx context.Context) ([]config.DirectoryMapping, error)
	UpsertConfig(ctx context.Context, cfg config.ServerConfig) error
	// UpsertMapping inserts m when m.ID is zero (assigning an ID) and
	// replaces the stored mapping otherwise.
	UpsertMapping(ctx context.Context, m config.DirectoryMapping) (config.DirectoryMapping, error)
	DeleteMapping(ctx context.Context, id int64) error
}

const documentVersion = 1

// document is the full persisted state.
type document struct {
	Version  int                       `yaml:"version"`
	Config   *config.ServerConfig      `yaml:"config,omitempty"`
	NextID   int64                     `yaml:"next_id"`
	Mappings []config.DirectoryMapping `yaml:"mappings"`
}

func (d document) clone() document {
	out := d
	if d.Config != nil {
		c := d.Config.Clone()
		out.Config = &c
	}
	out.Mappings = append([]config.DirectoryMapping(nil), d.Mappings...)
	return out
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu  sync.RWMutex
	doc document

	// commit is called with the candidate document before it replaces the
	// current one; an error aborts the mutation.
	commit func(document) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{doc: document{Version: documentVersion}}
}

func (s *MemoryStore) LoadConfig(ctx context.Context) (config.ServerConfig, error) {
	if err := ctx.Err(); err != nil {
		return config.ServerConfig{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc.Config == nil {
		return config.DefaultServerConfig(), nil
	}
	return s.doc.Config.Clone(), nil
}

func (s *MemoryStore) LoadMappings(ctx context.Context) ([]config.DirectoryMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]config.DirectoryMapping{}, s.doc.Mappings...), nil
}

func (s *MemoryStore) UpsertConfig(ctx context.Context, cfg config.ServerConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.mutate(func(doc *document) error {
		c := cfg.Clone()
		doc.Config = &c
		return nil
	})
}

func (s *MemoryStore) UpsertMapping(ctx context.Context, m config.DirectoryMapping) (config.DirectoryMapping, error) {
	if err := ctx.Err(); err != nil {
		return config.DirectoryMapping{}, err
	}

	err := s.mutate(func(doc *document) error {
		if m.ID == 0 {
			doc.NextID++
			m.ID = doc.NextID
			doc.Mappings = append(doc.Mappings, m)
			return nil
		}

		for i := range doc.Mappings {
			if doc.Mappings[i].ID == m.ID {
				doc.Mappings[i] = m
				return nil
			}
		}

		// Explicit IDs from an import are kept, and the counter skips past them.
		doc.Mappings = append(doc.Mappings, m)
		if m.ID > doc.NextID {
			doc.NextID = m.ID
		}
		sort.Slice(doc.Mappings, func(i, j int) bool { return doc.Mappings[i].ID < doc.Mappings[j].ID })
		return nil
	})

	return m, err
}

func (s *MemoryStore) DeleteMapping(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.mutate(func(doc *document) error {
		for i := range doc.Mappings {
			if doc.Mappings[i].ID == id {
				doc.Mappings = append(doc.Mappings[:i], doc.Mappings[i+1:]...)
				return nil
			}
		}
		return errors.Wrapf(ErrNotFound, "mapping %d", id)
	})
}

func (s *MemoryStore) mutate(fn func(*document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.clone()
	if err := fn(&next); err != nil {
		return err
	}

	if s.commit != nil {
		if err := s.commit(next); err != nil {
			return err
		}
	}

	s.doc = next
	return nil
}
