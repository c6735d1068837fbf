package store

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/WebFirstLanguage/kadnet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/spf13/afero"
)

const recordExt = ".cbor"

// record is the on-disk form of one value
type record struct {
	Key       []byte `cbor:"key"`
	Timestamp int64  `cbor:"ts"` // Unix milliseconds
	Data      []byte `cbor:"data"`
	Owned     bool   `cbor:"owned"`
}

func toRecord(v kad.Value, owned bool) record {
	return record{
		Key:       v.Key.Bytes(),
		Timestamp: v.Timestamp.UnixMilli(),
		Data:      v.Data,
		Owned:     owned,
	}
}

func (r record) value() (kad.Value, error) {
	key, err := kad.ParseID(r.Key)
	if err != nil {
		return kad.Value{}, err
	}
	return kad.Value{Key: key, Timestamp: time.UnixMilli(r.Timestamp), Data: r.Data}, nil
}

// Disk is a Store that keeps one canonical CBOR file per value under a directory.
// An in-memory index of keys and owner marks is rebuilt when the store is opened.
type Disk struct {
	mu       sync.RWMutex
	fs       afero.Fs
	dir      string
	capacity int
	index    map[kad.ID]bool // key -> owned
}

var _ Store = (*Disk)(nil)

// OpenDisk opens (creating if needed) a disk store rooted at dir on fs
func OpenDisk(fs afero.Fs, dir string, capacity int) (*Disk, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	d := &Disk{
		fs:       fs,
		dir:      dir,
		capacity: capacity,
		index:    make(map[kad.ID]bool),
	}

	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

// load rebuilds the index from the files in the store directory
func (d *Disk) load() error {
	entries, err := afero.ReadDir(d.fs, d.dir)
	if err != nil {
		return fmt.Errorf("failed to list store directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		r, err := d.readFile(path.Join(d.dir, entry.Name()))
		if err != nil {
			return err
		}
		key, err := kad.ParseID(r.Key)
		if err != nil {
			return fmt.Errorf("corrupt record %s: %w", entry.Name(), err)
		}
		d.index[key] = r.Owned
	}
	return nil
}

func (d *Disk) filename(key kad.ID) string {
	return path.Join(d.dir, key.String()+recordExt)
}

func (d *Disk) readFile(name string) (record, error) {
	var r record
	data, err := afero.ReadFile(d.fs, name)
	if err != nil {
		return r, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := cborcanon.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return r, nil
}

// writeFile replaces the record atomically via a temporary file and rename
func (d *Disk) writeFile(key kad.ID, r record) error {
	data, err := cborcanon.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode value %s: %w", key, err)
	}

	name := d.filename(key)
	tmp := name + ".tmp"
	if err := afero.WriteFile(d.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write value %s: %w", key, err)
	}
	if err := d.fs.Rename(tmp, name); err != nil {
		return fmt.Errorf("failed to commit value %s: %w", key, err)
	}
	return nil
}

func (d *Disk) put(v kad.Value, owned bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[v.Key]; ok {
		return fmt.Errorf("%w: %s", kad.ErrDuplicate, v.Key)
	}
	if len(d.index) >= d.capacity {
		return fmt.Errorf("%w: capacity %d", kad.ErrFull, d.capacity)
	}
	if err := d.writeFile(v.Key, toRecord(v, owned)); err != nil {
		return err
	}
	d.index[v.Key] = owned
	return nil
}

// Put inserts a replica value
func (d *Disk) Put(v kad.Value) error {
	return d.put(v, false)
}

// PutOwned inserts a value published by this node
func (d *Disk) PutOwned(v kad.Value) error {
	return d.put(v, true)
}

// Get returns the value stored under key
func (d *Disk) Get(key kad.ID) (kad.Value, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.index[key]; !ok {
		return kad.Value{}, fmt.Errorf("%w: value %s", kad.ErrNotFound, key)
	}
	r, err := d.readFile(d.filename(key))
	if err != nil {
		return kad.Value{}, err
	}
	return r.value()
}

// Remove deletes the value stored under key
func (d *Disk) Remove(key kad.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[key]; !ok {
		return fmt.Errorf("%w: value %s", kad.ErrNotFound, key)
	}
	if err := d.fs.Remove(d.filename(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove value %s: %w", key, err)
	}
	delete(d.index, key)
	return nil
}

// Refresh moves the timestamp of a stored value forward
func (d *Disk) Refresh(key kad.ID, ts time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[key]; !ok {
		return fmt.Errorf("%w: value %s", kad.ErrNotFound, key)
	}
	r, err := d.readFile(d.filename(key))
	if err != nil {
		return err
	}
	if ts.UnixMilli() <= r.Timestamp {
		return nil
	}
	r.Timestamp = ts.UnixMilli()
	return d.writeFile(key, r)
}

// Contains reports whether a value is stored under key
func (d *Disk) Contains(key kad.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[key]
	return ok
}

// IsOwned reports whether key was published by this node
func (d *Disk) IsOwned(key kad.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index[key]
}

// IsFull reports whether the store has reached its capacity
func (d *Disk) IsFull() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index) >= d.capacity
}

// Len returns the number of stored values
func (d *Disk) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index)
}

// Capacity returns the maximum number of values
func (d *Disk) Capacity() int {
	return d.capacity
}

// Values returns a snapshot of the replica values
func (d *Disk) Values() []kad.Value {
	return d.collect(false)
}

// OwnerValues returns a snapshot of the owner values
func (d *Disk) OwnerValues() []kad.Value {
	return d.collect(true)
}

func (d *Disk) collect(owned bool) []kad.Value {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var values []kad.Value
	for key, isOwned := range d.index {
		if isOwned != owned {
			continue
		}
		r, err := d.readFile(d.filename(key))
		if err != nil {
			continue
		}
		if v, err := r.value(); err == nil {
			values = append(values, v)
		}
	}
	return values
}

// Close releases the index. Files stay on disk for the next OpenDisk.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.index = make(map[kad.ID]bool)
	return nil
}
