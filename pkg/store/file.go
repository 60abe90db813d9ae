package store

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the document name inside the data directory.
const DefaultFileName = "mockserver.yaml"

// FileStore is a MemoryStore whose every mutation is written through to a
// YAML document on disk.
type FileStore struct {
	*MemoryStore
	path string
}

// OpenFileStore loads dataDir/mockserver.yaml, creating the directory when
// needed. A missing document starts an empty store.
func OpenFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dataDir)
	}

	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        filepath.Join(dataDir, DefaultFileName),
	}

	data, err := os.ReadFile(fs.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrapf(err, "read %s", fs.path)
	default:
		var doc document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(err, "parse %s", fs.path)
		}
		if doc.Version == 0 {
			doc.Version = documentVersion
		}
		for _, m := range doc.Mappings {
			if m.ID > doc.NextID {
				doc.NextID = m.ID
			}
		}
		fs.doc = doc
	}

	fs.commit = fs.save
	return fs, nil
}

// Path is the location of the backing document.
func (fs *FileStore) Path() string {
	return fs.path
}

// save writes doc atomically: temp file then rename.
func (fs *FileStore) save(doc document) error {
	doc.Version = documentVersion

	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode store")
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "replace %s", fs.path)
	}
	return nil
}
