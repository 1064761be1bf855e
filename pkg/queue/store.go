package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Interops-io/infrastructure/pkg/job"
)

// Partition is one of the three sibling directories a record can reside in.
type Partition string

const (
	PartitionPending   Partition = "pending"
	PartitionProcessed Partition = "processed"
	PartitionFailed    Partition = "failed"
)

// Partitions lists all partitions in lifecycle order.
var Partitions = []Partition{PartitionPending, PartitionProcessed, PartitionFailed}

// Valid reports whether p names a known partition.
func (p Partition) Valid() bool {
	switch p {
	case PartitionPending, PartitionProcessed, PartitionFailed:
		return true
	}
	return false
}

// TerminalPartition maps a terminal status to the partition its record is
// filed under.
func TerminalPartition(s job.Status) (Partition, error) {
	switch s {
	case job.StatusCompleted:
		return PartitionProcessed, nil
	case job.StatusFailed:
		return PartitionFailed, nil
	}
	return "", fmt.Errorf("status %q is not terminal", s)
}

// recordExt is the extension record files carry inside a partition.
const recordExt = ".json"

// Store persists deployment records on disk.
//
// Directory layout:
//
//	<root>/pending/<id>.json
//	<root>/processed/<id>.json
//	<root>/failed/<id>.json
//
// In-flight writes use dot-prefixed ".<id>.json.tmp.*" names in the target
// partition and are finalized by rename or link; a reader can never observe a
// half-written record under its final name.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) Dir(p Partition) string {
	return filepath.Join(s.root, string(p))
}

func (s *Store) Path(p Partition, id string) string {
	return filepath.Join(s.Dir(p), id+recordExt)
}

// EnsureLayout creates the partition directories. Callers run it once before
// first use; every write path also runs it so ad-hoc tooling works on a fresh
// root.
func (s *Store) EnsureLayout() error {
	if strings.TrimSpace(s.root) == "" {
		return &StoreError{Op: "ensure", Err: fmt.Errorf("store root dir is empty")}
	}
	for _, p := range Partitions {
		if err := os.MkdirAll(s.Dir(p), 0755); err != nil {
			return &StoreError{Op: "ensure", Partition: p, Err: err}
		}
	}
	return nil
}

// writeTemp writes rec to a hidden temp file inside the partition dir and
// returns its path. The temp name is both dot-prefixed and .tmp-marked so
// scans and watch notifications skip it.
func (s *Store) writeTemp(p Partition, rec *job.Record) (string, error) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.Dir(p), "."+rec.ID+recordExt+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpName, nil
}

// Put durably creates a new pending record. The final name appears only via
// an atomic link from the completed temp write; an existing id fails with
// ErrExists instead of being replaced.
func (s *Store) Put(rec *job.Record) error {
	if rec == nil {
		return &StoreError{Op: "put", Partition: PartitionPending, Err: fmt.Errorf("record is nil")}
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return &StoreError{Op: "put", Partition: PartitionPending, Err: fmt.Errorf("record id is required")}
	}
	if err := s.EnsureLayout(); err != nil {
		return err
	}

	tmpName, err := s.writeTemp(PartitionPending, rec)
	if err != nil {
		return &StoreError{Op: "put", Partition: PartitionPending, ID: id, Err: err}
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Link(tmpName, s.Path(PartitionPending, id)); err != nil {
		if os.IsExist(err) {
			return &StoreError{Op: "put", Partition: PartitionPending, ID: id, Err: ErrExists}
		}
		return &StoreError{Op: "put", Partition: PartitionPending, ID: id, Err: fmt.Errorf("link record: %w", err)}
	}
	return nil
}

// Get reads one record. Unparsable files surface ErrMalformed so callers can
// quarantine them instead of treating them as store failures.
func (s *Store) Get(p Partition, id string) (*job.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &StoreError{Op: "get", Partition: p, Err: fmt.Errorf("record id is required")}
	}
	b, err := os.ReadFile(s.Path(p, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StoreError{Op: "get", Partition: p, ID: id, Err: ErrNotFound}
		}
		return nil, &StoreError{Op: "get", Partition: p, ID: id, Err: err}
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, &StoreError{Op: "get", Partition: p, ID: id, Err: fmt.Errorf("%w: file is empty", ErrMalformed)}
	}

	var rec job.Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, &StoreError{Op: "get", Partition: p, ID: id, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return &rec, nil
}

// Update atomically rewrites a pending record in place (temp write plus
// rename). Records in terminal partitions are immutable; only pending admits
// updates.
func (s *Store) Update(rec *job.Record) error {
	if rec == nil {
		return &StoreError{Op: "update", Partition: PartitionPending, Err: fmt.Errorf("record is nil")}
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return &StoreError{Op: "update", Partition: PartitionPending, Err: fmt.Errorf("record id is required")}
	}
	final := s.Path(PartitionPending, id)
	if _, err := os.Stat(final); err != nil {
		if os.IsNotExist(err) {
			return &StoreError{Op: "update", Partition: PartitionPending, ID: id, Err: ErrNotFound}
		}
		return &StoreError{Op: "update", Partition: PartitionPending, ID: id, Err: err}
	}

	tmpName, err := s.writeTemp(PartitionPending, rec)
	if err != nil {
		return &StoreError{Op: "update", Partition: PartitionPending, ID: id, Err: err}
	}
	defer func() { _ = os.Remove(tmpName) }()

	if err := os.Rename(tmpName, final); err != nil {
		return &StoreError{Op: "update", Partition: PartitionPending, ID: id, Err: fmt.Errorf("rename record: %w", err)}
	}
	return nil
}

// Move relocates a record between partitions. The link-then-unlink pair
// never replaces an existing destination record, so a duplicate move
// surfaces ErrExists rather than clobbering the audit copy.
func (s *Store) Move(id string, from, to Partition) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &StoreError{Op: "move", Partition: from, Err: fmt.Errorf("record id is required")}
	}
	if !from.Valid() || !to.Valid() {
		return &StoreError{Op: "move", Partition: from, ID: id, Err: fmt.Errorf("invalid partition %q -> %q", from, to)}
	}
	src := s.Path(from, id)
	dst := s.Path(to, id)
	if err := os.Link(src, dst); err != nil {
		if os.IsExist(err) {
			return &StoreError{Op: "move", Partition: to, ID: id, Err: ErrExists}
		}
		if os.IsNotExist(err) {
			return &StoreError{Op: "move", Partition: from, ID: id, Err: ErrNotFound}
		}
		return &StoreError{Op: "move", Partition: from, ID: id, Err: fmt.Errorf("link record: %w", err)}
	}
	if err := os.Remove(src); err != nil {
		return &StoreError{Op: "move", Partition: from, ID: id, Err: fmt.Errorf("unlink source record: %w", err)}
	}
	return nil
}

// Remove deletes a record file. Used for acknowledged discards and sweep.
func (s *Store) Remove(p Partition, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &StoreError{Op: "remove", Partition: p, Err: fmt.Errorf("record id is required")}
	}
	if err := os.Remove(s.Path(p, id)); err != nil {
		if os.IsNotExist(err) {
			return &StoreError{Op: "remove", Partition: p, ID: id, Err: ErrNotFound}
		}
		return &StoreError{Op: "remove", Partition: p, ID: id, Err: err}
	}
	return nil
}

// Scan lists record ids currently in a partition, name-sorted. Hidden and
// in-flight temp names are excluded.
func (s *Store) Scan(p Partition) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StoreError{Op: "scan", Partition: p, Err: err}
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !IsRecordName(name) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// List reads every parsable record in a partition, newest first. Unparsable
// files are skipped; Scan plus Get is the path that surfaces them.
func (s *Store) List(p Partition) ([]job.Record, error) {
	ids, err := s.Scan(p)
	if err != nil {
		return nil, err
	}
	out := make([]job.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(p, id)
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return recordSortTime(out[i]).After(recordSortTime(out[j]))
	})
	return out, nil
}

func recordSortTime(r job.Record) time.Time {
	if r.CompletedAt != nil {
		return r.CompletedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// IsRecordName reports whether a directory entry name denotes a finished
// record file. Dot-prefixed and .tmp-marked names are in-flight writes and
// never count.
func IsRecordName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.Contains(name, ".tmp") {
		return false
	}
	return strings.HasSuffix(name, recordExt)
}

// RecordID strips the record extension from a file name.
func RecordID(name string) string {
	return strings.TrimSuffix(name, recordExt)
}

// Stats summarizes per-partition record counts for status surfaces.
type Stats struct {
	Pending   int `json:"pending"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	for _, p := range Partitions {
		ids, err := s.Scan(p)
		if err != nil {
			return Stats{}, err
		}
		switch p {
		case PartitionPending:
			st.Pending = len(ids)
		case PartitionProcessed:
			st.Processed = len(ids)
		case PartitionFailed:
			st.Failed = len(ids)
		}
	}
	return st, nil
}

// Sweep removes terminal records in p older than the cutoff and returns the
// removed ids.
func (s *Store) Sweep(p Partition, olderThan time.Time) ([]string, error) {
	expired, err := s.Expired(p, olderThan)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(expired))
	for _, rec := range expired {
		if err := s.Remove(p, rec.ID); err != nil {
			if IsNotFound(err) {
				continue
			}
			return removed, err
		}
		removed = append(removed, rec.ID)
	}
	return removed, nil
}

// Expired returns terminal records in p older than the cutoff, oldest first.
// Only processed and failed partitions can expire; pending records are live
// work and never eligible.
func (s *Store) Expired(p Partition, olderThan time.Time) ([]job.Record, error) {
	if p == PartitionPending {
		return nil, &StoreError{Op: "expired", Partition: p, Err: fmt.Errorf("pending records do not expire")}
	}
	ids, err := s.Scan(p)
	if err != nil {
		return nil, err
	}
	var out []job.Record
	for _, id := range ids {
		rec, err := s.Get(p, id)
		if err != nil {
			continue
		}
		if recordSortTime(*rec).Before(olderThan) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return recordSortTime(out[i]).Before(recordSortTime(out[j]))
	})
	return out, nil
}
