// Package snapshot materializes a node into plain data and rebuilds a node
// from it. Snapshots are stored as canonical CBOR.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/WebFirstLanguage/kadnet/internal/dht"
	"github.com/WebFirstLanguage/kadnet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// Version is written into every snapshot
const Version = 1

// State is everything needed to rebuild an equivalent node
type State struct {
	Version     int       `cbor:"v"`
	ID          []byte    `cbor:"id"`
	Address     string    `cbor:"addr"`
	Contacts    []Contact `cbor:"contacts"`
	OwnerValues []Value   `cbor:"owner_values"`
	Values      []Value   `cbor:"values"`
}

// Contact is a routing table entry
type Contact struct {
	ID   []byte `cbor:"id"`
	Addr string `cbor:"addr"`
}

// Value is a stored value with its original timestamp
type Value struct {
	Key       []byte `cbor:"key"`
	Timestamp int64  `cbor:"ts"` // Unix milliseconds
	Data      []byte `cbor:"data"`
}

func fromValue(v kad.Value) Value {
	return Value{Key: v.Key.Bytes(), Timestamp: v.Timestamp.UnixMilli(), Data: v.Data}
}

func (v Value) value() (kad.Value, error) {
	key, err := kad.ParseID(v.Key)
	if err != nil {
		return kad.Value{}, err
	}
	return kad.Value{Key: key, Timestamp: time.UnixMilli(v.Timestamp), Data: v.Data}, nil
}

func (c Contact) contact() (kad.Contact, error) {
	id, err := kad.ParseID(c.ID)
	if err != nil {
		return kad.Contact{}, err
	}
	return kad.NewContact(id, c.Addr)
}

// Materialize captures the node's identity, address, contacts and values.
// It has no network side effects.
func Materialize(n *dht.Node) State {
	s := State{
		Version: Version,
		ID:      n.ID().Bytes(),
		Address: n.Addr().String(),
	}
	for _, c := range n.Table().Contacts() {
		s.Contacts = append(s.Contacts, Contact{ID: c.ID.Bytes(), Addr: c.Addr.String()})
	}
	for _, v := range n.Store().OwnerValues() {
		s.OwnerValues = append(s.OwnerValues, fromValue(v))
	}
	for _, v := range n.Store().Values() {
		s.Values = append(s.Values, fromValue(v))
	}
	return s
}

// Reconstruct builds a node from a snapshot. The identity always comes from
// the snapshot; config.Address, when set, overrides the recorded address.
// Contacts and values that fail to load are skipped and reported together.
func Reconstruct(s State, config *dht.NodeConfig) (*dht.Node, error) {
	if s.Version != Version {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", kad.ErrInvalidInput, s.Version)
	}
	id, err := kad.ParseID(s.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot identity: %w", err)
	}

	cfg := dht.NodeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.ID = id
	if cfg.Address == "" {
		cfg.Address = s.Address
	}

	n, err := dht.NewNode(&cfg)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, rec := range s.Contacts {
		c, err := rec.contact()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, err := n.Table().Put(c); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, rec := range s.OwnerValues {
		errs = multierr.Append(errs, restore(rec, n.Store().PutOwned))
	}
	for _, rec := range s.Values {
		errs = multierr.Append(errs, restore(rec, n.Store().Put))
	}

	return n, errs
}

func restore(rec Value, put func(kad.Value) error) error {
	v, err := rec.value()
	if err != nil {
		return err
	}
	if err := put(v); err != nil && !errors.Is(err, kad.ErrDuplicate) {
		return err
	}
	return nil
}

// Save writes the snapshot to path, replacing any previous file atomically
func Save(fs afero.Fs, path string, s State) error {
	data, err := cborcanon.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot from path. A missing file yields kad.ErrNotFound.
func Load(fs afero.Fs, path string) (State, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, fmt.Errorf("%w: snapshot %s", kad.ErrNotFound, path)
		}
		return State{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var s State
	if err := cborcanon.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}
