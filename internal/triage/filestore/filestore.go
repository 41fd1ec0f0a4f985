// Package filestore provides a JSON Lines file implementation of triage.Ledger.
//
// Each line is one suppression record. The file is only ever appended to; a
// later line for the same template identity supersedes earlier ones. Access
// from concurrent processes is serialized with an advisory flock on the file.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"

	"github.com/linnemanlabs/sieve/internal/triage"
)

const maxLineBytes = 1 << 20

// Store persists suppression records in a single file.
type Store struct {
	path string
}

// New returns a Store backed by path. The file is created on first Append.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads every record in file order. A missing file is an empty ledger;
// any line that does not decode to a record fails the whole load.
func (s *Store) Load(_ context.Context) ([]triage.SuppressionRecord, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := flock(f, unix.LOCK_SH); err != nil {
		return nil, err
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	var records []triage.SuppressionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var r triage.SuppressionRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", triage.ErrCorruptLedger, s.path, line, err)
		}
		if r.TemplateID == "" {
			return nil, fmt.Errorf("%w: %s line %d: missing templateIdentity", triage.ErrCorruptLedger, s.path, line)
		}
		if !r.Classification.Valid() {
			return nil, fmt.Errorf("%w: %s line %d: unknown classification %q", triage.ErrCorruptLedger, s.path, line, r.Classification)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", triage.ErrCorruptLedger, s.path, err)
	}
	return records, nil
}

// Append writes one record as a new line under an exclusive lock.
func (s *Store) Append(_ context.Context, r triage.SuppressionRecord) error {
	r.DateHandled = r.DateHandled.UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // G302: ledger is meant to be human-readable
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := flock(f, unix.LOCK_EX); err != nil {
		return err
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}
		return nil
	}
}
