// Package history keeps the record of contracts that were already
// processed so that reruns skip them, and checks afterwards that the
// recorded files are still where the run put them.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bidfetch/internal/components/assert"
	"bidfetch/internal/components/telemetry"
)

var (
	ErrCorrupt   = errors.New("history file is corrupt")
	ErrDuplicate = errors.New("contract already in history")
)

// ContractRecord is what one run learned about one contract.
type ContractRecord struct {
	ContractID    string   `json:"contractId"`
	ContractName  string   `json:"contractName"`
	Downloaded    []string `json:"downloaded"`
	NotDownloaded []string `json:"notDownloaded"`
}

func (r ContractRecord) normalized() ContractRecord {
	if r.Downloaded == nil {
		r.Downloaded = []string{}
	}
	if r.NotDownloaded == nil {
		r.NotDownloaded = []string{}
	}
	return r
}

const (
	report_store_open  = "store.open"
	report_store_flush = "store.flush"
)

// Store is the in-memory history of one run. It has a single owner and is
// not safe for concurrent use.
type Store struct {
	tel     telemetry.API
	path    string
	records []ContractRecord
	index   map[string]int
}

// Open loads the history at path. A missing or unreadable file is an empty
// history, a file that cannot be decoded is ErrCorrupt.
func Open(path string, tel telemetry.API) (*Store, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(path)

	s := &Store{
		tel:     telemetry.NewScopedAPI("history", tel),
		path:    filepath.Clean(path),
		records: []ContractRecord{},
		index:   map[string]int{},
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.tel.ReportDebug("history file does not exist, starting empty", s.path)
		return s, nil
	}
	if err != nil {
		s.tel.ReportBroken(report_store_open, err, s.path)
		return s, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		s.tel.ReportWarning(report_store_open, "history file is empty", s.path)
		return s, nil
	}

	var records []ContractRecord
	err = json.Unmarshal(data, &records)
	if err != nil {
		s.tel.ReportBroken(report_store_open, err, s.path)
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.path, err)
	}
	for _, r := range records {
		if r.ContractID == "" {
			return nil, fmt.Errorf("%w: %s: record without contractId", ErrCorrupt, s.path)
		}
		if _, exists := s.index[r.ContractID]; exists {
			return nil, fmt.Errorf("%w: %s: contract %s appears twice", ErrCorrupt, s.path, r.ContractID)
		}
		s.index[r.ContractID] = len(s.records)
		s.records = append(s.records, r.normalized())
	}

	s.tel.ReportDebug("history loaded", s.path, len(s.records))
	return s, nil
}

// Path returns the file the store flushes to.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Has(contractID string) bool {
	_, ok := s.index[contractID]
	return ok
}

func (s *Store) Get(contractID string) (ContractRecord, bool) {
	i, ok := s.index[contractID]
	if !ok {
		return ContractRecord{}, false
	}
	return s.records[i], true
}

func (s *Store) Len() int {
	return len(s.records)
}

// Append adds a record, a contract can only be recorded once.
func (s *Store) Append(record ContractRecord) error {
	if record.ContractID == "" {
		return fmt.Errorf("append history: empty contractId")
	}
	if s.Has(record.ContractID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, record.ContractID)
	}
	record = record.normalized()
	record.Downloaded = append([]string{}, record.Downloaded...)
	record.NotDownloaded = append([]string{}, record.NotDownloaded...)

	s.index[record.ContractID] = len(s.records)
	s.records = append(s.records, record)
	return nil
}

// Records returns every record in insertion order.
func (s *Store) Records() []ContractRecord {
	out := make([]ContractRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Flush overwrites the history file with every record. The file is
// replaced through a rename so a crash never leaves half a file behind.
func (s *Store) Flush() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	data = append(data, '\n')

	err = os.MkdirAll(filepath.Dir(s.path), 0755)
	if err != nil {
		s.tel.ReportBroken(report_store_flush, err, s.path)
		return fmt.Errorf("create history dir: %w", err)
	}

	tempFile := s.path + ".tmp"
	err = os.WriteFile(tempFile, data, 0644)
	if err != nil {
		s.tel.ReportBroken(report_store_flush, err, tempFile)
		return fmt.Errorf("write temporary history: %w", err)
	}
	err = os.Rename(tempFile, s.path)
	if err != nil {
		s.tel.ReportBroken(report_store_flush, err, s.path)
		os.Remove(tempFile)
		return fmt.Errorf("replace history: %w", err)
	}

	s.tel.ReportDebug("history flushed", s.path, len(s.records))
	return nil
}
