package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

// Catalog is the file-backed instance catalog. All methods are safe for
// concurrent use; mutations are serialized by a single mutex so read-modify-write
// cycles never interleave.
type Catalog struct {
	path    string
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewCatalog creates a catalog persisted at path. Call Load before use.
func NewCatalog(path string) *Catalog {
	return &Catalog{
		path:    path,
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

// Load reads the catalog file. A missing file is initialized as an empty
// catalog and persisted. A file that exists but cannot be parsed is a
// storage error.
func (c *Catalog) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.records = make(map[string]Record)
		if err := c.persist(c.records); err != nil {
			return err
		}
		slog.Info("instance catalog initialized", "path", c.path)
		return nil
	}
	if err != nil {
		return protocol.Wrap(protocol.ErrStorage, err, "read catalog %s", c.path)
	}

	records, err := decodeCatalog(data)
	if err != nil {
		return protocol.Wrap(protocol.ErrStorage, err, "parse catalog %s", c.path)
	}
	c.records = records
	slog.Info("instance catalog loaded", "path", c.path, "instances", len(records))
	return nil
}

// List returns all records sorted by ID.
func (c *Catalog) List() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		result = append(result, r.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Get returns the record for id. ok is false if it does not exist.
func (c *Catalog) Get(id string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Create inserts a new record with status pending_qr and persists the catalog.
func (c *Catalog) Create(id string, metadata map[string]any) (Record, error) {
	if err := ValidateID(id); err != nil {
		return Record{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[id]; exists {
		return Record{}, protocol.Errorf(protocol.ErrAlreadyExists, "instance %q already exists", id)
	}

	now := c.now().UTC()
	rec := Record{
		ID:        id,
		Status:    StatusPendingQR,
		Metadata:  cloneMetadata(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	next := c.snapshot()
	next[id] = rec
	if err := c.commit(next); err != nil {
		return Record{}, err
	}

	slog.Info("instance created", "instance", id)
	return rec.clone(), nil
}

// Delete removes the record for id and persists. It reports whether the record
// existed; deleting a missing record is not an error.
func (c *Catalog) Delete(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[id]; !exists {
		return false, nil
	}

	next := c.snapshot()
	delete(next, id)
	if err := c.commit(next); err != nil {
		return false, err
	}

	slog.Info("instance deleted", "instance", id)
	return true, nil
}

// UpdateStatus sets the status of id and persists.
func (c *Catalog) UpdateStatus(id string, status Status) (Record, error) {
	if !status.Valid() {
		return Record{}, protocol.Errorf(protocol.ErrInvalidArgument, "invalid status %q", status)
	}
	return c.update(id, func(r *Record) { r.Status = status })
}

// UpdateMetadata replaces the metadata of id wholesale and persists.
func (c *Catalog) UpdateMetadata(id string, metadata map[string]any) (Record, error) {
	return c.update(id, func(r *Record) { r.Metadata = cloneMetadata(metadata) })
}

func (c *Catalog) update(id string, mutate func(*Record)) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return Record{}, protocol.Errorf(protocol.ErrNotFound, "instance %q not found", id)
	}

	rec = rec.clone()
	mutate(&rec)
	rec.UpdatedAt = c.now().UTC()

	next := c.snapshot()
	next[id] = rec
	if err := c.commit(next); err != nil {
		return Record{}, err
	}
	return rec.clone(), nil
}

// snapshot copies the record map so a failed write leaves c.records untouched.
// Caller must hold c.mu.
func (c *Catalog) snapshot() map[string]Record {
	next := make(map[string]Record, len(c.records)+1)
	for k, v := range c.records {
		next[k] = v
	}
	return next
}

// commit persists next and, only on success, makes it the live state.
func (c *Catalog) commit(next map[string]Record) error {
	if err := c.persist(next); err != nil {
		return err
	}
	c.records = next
	return nil
}

func (c *Catalog) persist(records map[string]Record) error {
	list := make([]Record, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return protocol.Wrap(protocol.ErrStorage, err, "marshal catalog")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return protocol.Wrap(protocol.ErrStorage, err, "create catalog dir")
	}

	tmp, err := os.CreateTemp(dir, ".instances-*.json")
	if err != nil {
		return protocol.Wrap(protocol.ErrStorage, err, "create temp catalog")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return protocol.Wrap(protocol.ErrStorage, err, "write catalog")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return protocol.Wrap(protocol.ErrStorage, err, "sync catalog")
	}
	if err := tmp.Close(); err != nil {
		return protocol.Wrap(protocol.ErrStorage, err, "close catalog")
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return protocol.Wrap(protocol.ErrStorage, err, "chmod catalog")
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return protocol.Wrap(protocol.ErrStorage, err, "replace catalog")
	}
	return nil
}

func decodeCatalog(data []byte) (map[string]Record, error) {
	var list []Record
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}

	records := make(map[string]Record, len(list))
	for i, r := range list {
		if r.ID == "" {
			return nil, fmt.Errorf("record %d: empty id", i)
		}
		if _, dup := records[r.ID]; dup {
			return nil, fmt.Errorf("record %d: duplicate id %q", i, r.ID)
		}
		if !r.Status.Valid() {
			return nil, fmt.Errorf("record %q: invalid status %q", r.ID, r.Status)
		}
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		records[r.ID] = r
	}
	return records, nil
}

// ReadFile parses a catalog file without taking ownership of it. Used by
// offline tooling.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrStorage, err, "read catalog %s", path)
	}
	records, err := decodeCatalog(data)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrStorage, err, "parse catalog %s", path)
	}
	list := make([]Record, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}
