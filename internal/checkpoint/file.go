package checkpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk layout; values are base64 so the file stays
// plain YAML.
type fileDoc struct {
	SchemaVersion string            `yaml:"schema_version"`
	Checkpoints   map[string]string `yaml:"checkpoints"`
}

// File keeps all checkpoints in one YAML document and rewrites it
// atomically on every Save.
type File struct {
	path string

	mu  sync.Mutex
	doc fileDoc
}

func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("checkpoint: file store needs a path")
	}
	s := &File{path: path, doc: fileDoc{SchemaVersion: "v1", Checkpoints: map[string]string{}}}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("checkpoint: parse %s: %w", path, err)
	}
	if s.doc.Checkpoints == nil {
		s.doc.Checkpoints = map[string]string{}
	}
	return s, nil
}

func (s *File) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	v, ok := s.doc.Checkpoints[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: corrupt value for %s: %w", key, err)
	}
	return b, nil
}

func (s *File) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Checkpoints[key] = base64.StdEncoding.EncodeToString(value)

	raw, err := yaml.Marshal(&s.doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoint-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *File) Close() error { return nil }
