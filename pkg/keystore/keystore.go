// Package keystore persists key records in named tables under
// <storage>/db. Each table is one sealed file written atomically; see
// seal for the integrity and encryption envelope.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ava-labs/avalanchego/utils/perms"
	"github.com/ava-labs/avalanchego/utils/set"
	"github.com/google/renameio/v2"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

const (
	dbDir         = "db"
	fileExtension = ".json"
)

// Store is the set of tables of one storage path. It is not safe for use
// by more than one process; see pkg/pidfile.
type Store struct {
	dir      string
	password []byte

	mu       sync.Mutex
	tables   map[Name]*Table
	versions *Versions
}

// Open prepares the table directory under storagePath. A non-empty
// password encrypts every table.
func Open(storagePath string, password []byte) (*Store, error) {
	dir := filepath.Join(storagePath, dbDir)
	if err := os.MkdirAll(dir, perms.ReadWriteExecute); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	// MkdirAll leaves existing directories alone.
	if err := os.Chmod(dir, perms.ReadWriteExecute); err != nil {
		return nil, fmt.Errorf("failed to secure key store directory: %w", err)
	}
	return &Store{
		dir:      dir,
		password: append([]byte(nil), password...),
		tables:   make(map[Name]*Table),
	}, nil
}

// Dir returns the table directory.
func (s *Store) Dir() string { return s.dir }

// Table returns the named record table.
func (s *Store) Table(name Name) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = &Table{name: name, file: s.file(name), password: s.password}
		s.tables[name] = t
	}
	return t
}

// Versions returns the TrustList version table.
func (s *Store) Versions() *Versions {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions == nil {
		s.versions = &Versions{file: s.file(TrustListVersions), password: s.password}
	}
	return s.versions
}

// Check opens every table once so corruption surfaces at startup.
func (s *Store) Check() error {
	for _, name := range RecordTables {
		if _, err := s.Table(name).GetAll(); err != nil {
			return err
		}
	}
	_, err := s.Versions().all()
	return err
}

// SaveRecord writes the public part of rec to its public table, then the
// full record to its private table.
func (s *Store) SaveRecord(rec *keys.Record) error {
	private, public, err := TablesFor(rec.Type)
	if err != nil {
		return err
	}
	if err := s.Table(public).Save(rec.ID, rec.Public()); err != nil {
		return err
	}
	if private == "" {
		return nil
	}
	return s.Table(private).Save(rec.ID, rec)
}

// PublicRecords returns every public record of type kt sorted by id.
func (s *Store) PublicRecords(kt keys.KeyType) ([]*keys.Record, error) {
	_, public, err := TablesFor(kt)
	if err != nil {
		return nil, err
	}
	return s.Table(public).FilterByType(kt)
}

// PrivateRecord returns the private record of key id, which must be of
// type kt.
func (s *Store) PrivateRecord(kt keys.KeyType, id keys.KeyID) (*keys.Record, error) {
	private, _, err := TablesFor(kt)
	if err != nil {
		return nil, err
	}
	if private == "" {
		return nil, fmt.Errorf("%s keys have no private record", kt.DisplayName())
	}
	rec, ok, err := s.Table(private).Get(id)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Type != kt {
		return nil, fmt.Errorf("%s %s not found in %s", kt.DisplayName(), id, private)
	}
	return rec, nil
}

// DeleteType removes every record of type kt from all tables indexing it
// and returns how many public records were dropped.
func (s *Store) DeleteType(kt keys.KeyType) (int, error) {
	private, public, err := TablesFor(kt)
	if err != nil {
		return 0, err
	}
	removed, err := s.Table(public).DeleteType(kt)
	if err != nil {
		return 0, err
	}
	if private != "" {
		if _, err := s.Table(private).DeleteType(kt); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

// DeleteRecord removes key id of type kt from its tables.
func (s *Store) DeleteRecord(kt keys.KeyType, id keys.KeyID) error {
	private, public, err := TablesFor(kt)
	if err != nil {
		return err
	}
	if err := s.Table(public).Delete(id); err != nil {
		return err
	}
	if private != "" {
		return s.Table(private).Delete(id)
	}
	return nil
}

// AllPublic returns the records of both public tables.
func (s *Store) AllPublic() ([]*keys.Record, error) {
	var out []*keys.Record
	for _, name := range []Name{UpperLevelKeys, TrustListPubKeys} {
		all, err := s.Table(name).GetAll()
		if err != nil {
			return nil, err
		}
		for _, rec := range all {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Drop removes every table file, versions included.
func (s *Store) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range append(append([]Name(nil), RecordTables...), TrustListVersions) {
		if err := os.Remove(s.file(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	s.tables = make(map[Name]*Table)
	s.versions = nil
	return nil
}

func (s *Store) file(name Name) string {
	return filepath.Join(s.dir, string(name)+fileExtension)
}

// Table maps key ids to records. The file is read once, on first use.
type Table struct {
	name     Name
	file     string
	password []byte

	mu      sync.Mutex
	loaded  bool
	records map[keys.KeyID]*keys.Record
}

// Name returns the table name.
func (t *Table) Name() Name { return t.name }

// Save inserts or replaces the record stored under id.
func (t *Table) Save(id keys.KeyID, rec *keys.Record) error {
	if rec.ID != id {
		return fmt.Errorf("record id %s does not match key %s", rec.ID, id)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return err
	}
	next := t.clone()
	c := *rec
	next[id] = &c
	if err := t.flush(next); err != nil {
		return err
	}
	t.records = next
	return nil
}

// Get returns the record stored under id.
func (t *Table) Get(id keys.KeyID) (*keys.Record, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return nil, false, err
	}
	rec, ok := t.records[id]
	if !ok {
		return nil, false, nil
	}
	c := *rec
	return &c, true, nil
}

// GetAll returns a copy of the whole table.
func (t *Table) GetAll() (map[keys.KeyID]*keys.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// GetKeys returns the ids stored in the table.
func (t *Table) GetKeys() (set.Set[keys.KeyID], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return nil, err
	}
	ids := set.NewSet[keys.KeyID](len(t.records))
	for id := range t.records {
		ids.Add(id)
	}
	return ids, nil
}

// Delete removes id. Deleting a missing id is not an error.
func (t *Table) Delete(id keys.KeyID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return err
	}
	if _, ok := t.records[id]; !ok {
		return nil
	}
	next := t.clone()
	delete(next, id)
	if err := t.flush(next); err != nil {
		return err
	}
	t.records = next
	return nil
}

// DeleteType removes every record of type kt in one write.
func (t *Table) DeleteType(kt keys.KeyType) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return 0, err
	}
	next := t.clone()
	removed := 0
	for id, rec := range next {
		if rec.Type == kt {
			delete(next, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := t.flush(next); err != nil {
		return 0, err
	}
	t.records = next
	return removed, nil
}

// FilterByType returns the records of type kt sorted by id.
func (t *Table) FilterByType(kt keys.KeyType) ([]*keys.Record, error) {
	all, err := t.GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]*keys.Record, 0, len(all))
	for _, rec := range all {
		if rec.Type == kt {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// load reads the table file once. A missing file is an empty table; any
// other failure leaves the table unloaded.
func (t *Table) load() error {
	if t.loaded {
		return nil
	}
	payload, err := readSealed(t.name, t.file, t.password)
	if err != nil {
		return err
	}
	records := make(map[keys.KeyID]*keys.Record)
	if payload != nil {
		var raw map[string]*keys.Record
		if err := json.Unmarshal(payload, &raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupted, t.name, err)
		}
		for k, rec := range raw {
			id, err := keys.ParseKeyID(k)
			if err != nil || rec == nil || rec.ID != id {
				return fmt.Errorf("%w: %s: bad entry %q", ErrCorrupted, t.name, k)
			}
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("%w: %s: entry %s: %v", ErrCorrupted, t.name, k, err)
			}
			records[id] = rec
		}
	}
	t.records = records
	t.loaded = true
	return nil
}

func (t *Table) flush(records map[keys.KeyID]*keys.Record) error {
	raw := make(map[string]*keys.Record, len(records))
	for id, rec := range records {
		raw[id.String()] = rec
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", t.name, err)
	}
	defer clearBytes(payload)
	return writeSealed(t.name, t.file, payload, t.password)
}

func (t *Table) clone() map[keys.KeyID]*keys.Record {
	out := make(map[keys.KeyID]*keys.Record, len(t.records))
	for id, rec := range t.records {
		c := *rec
		out[id] = &c
	}
	return out
}

// readSealed returns the opened payload of a table file, or nil when the
// file does not exist.
func readSealed(name Name, file string, password []byte) ([]byte, error) {
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
	}
	payload, err := open(name, &env, password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return payload, nil
}

func writeSealed(name Name, file string, payload, password []byte) error {
	env, err := seal(name, payload, password)
	if err != nil {
		return fmt.Errorf("failed to seal %s: %w", name, err)
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := renameio.WriteFile(file, data, perms.ReadWrite); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
