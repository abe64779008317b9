package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileVersion is bumped when the schema changes so Load can migrate old
// files if that ever becomes necessary.
const fileVersion = 1

type fileDoc struct {
	Version   int                       `json:"version"`
	Instances map[string]InstanceRecord `json:"instances"`
}

// FileStore keeps all instance records in one JSON file, rewritten
// atomically (temp file then rename) on every mutation.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  fileDoc
}

// OpenFileStore loads the store at path, tolerating a missing file.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		doc:  fileDoc{Version: fileVersion, Instances: make(map[string]InstanceRecord)},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("reading instance store: %w", err)
	}
	if err := json.Unmarshal(data, &fs.doc); err != nil {
		return nil, fmt.Errorf("parsing instance store: %w", err)
	}
	if fs.doc.Instances == nil {
		fs.doc.Instances = make(map[string]InstanceRecord)
	}
	return fs, nil
}

func (fs *FileStore) Get(id string) (InstanceRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.doc.Instances[id]
	if !ok {
		return InstanceRecord{}, ErrNotFound
	}
	return rec, nil
}

func (fs *FileStore) Upsert(rec InstanceRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := fs.doc.Instances[rec.InstanceID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	fs.doc.Instances[rec.InstanceID] = rec
	return fs.save()
}

func (fs *FileStore) Patch(id string, fn func(*InstanceRecord)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.doc.Instances[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	rec.InstanceID = id // the key stays authoritative
	rec.UpdatedAt = time.Now().UTC()
	fs.doc.Instances[id] = rec
	return fs.save()
}

func (fs *FileStore) List() ([]InstanceRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]InstanceRecord, 0, len(fs.doc.Instances))
	for _, rec := range fs.doc.Instances {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// save writes the document using an atomic temp-file-then-rename pattern.
// Caller holds fs.mu.
func (fs *FileStore) save() error {
	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}

	fs.doc.Version = fileVersion
	data, err := json.MarshalIndent(&fs.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling instance store: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".instances-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("renaming instance store: %w", err)
	}
	committed = true

	return nil
}
