package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns      = []byte("runs")
	bucketProcesses = []byte("processes")
)

// LedgerFile is the database file name inside the ledger directory
const LedgerFile = "testenv.db"

// BoltStore implements Store using bbolt
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the ledger in dataDir. The file lock is
// held until Close, so concurrent harness processes wait up to a second
// for each other.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, LedgerFile), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketProcesses} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Run operations
func (s *BoltStore) CreateRun(run *Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetRun(id string) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns every run, oldest first
func (s *BoltStore) ListRuns() ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, err
}

func (s *BoltStore) UpdateRun(run *Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRuns).Get([]byte(run.ID)) == nil {
			return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

// DeleteRun removes a run together with its processes
func (s *BoltStore) DeleteRun(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Delete([]byte(id)); err != nil {
			return err
		}
		c := tx.Bucket(bucketProcesses).Cursor()
		prefix := processPrefix(id)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Process operations
func (s *BoltStore) RecordProcess(p *Process) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		key := append(processPrefix(p.RunID), []byte(p.Cluster+"/"+p.Name)...)
		return tx.Bucket(bucketProcesses).Put(key, data)
	})
}

func (s *BoltStore) ListProcesses(runID string) ([]*Process, error) {
	var procs []*Process
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProcesses).Cursor()
		prefix := processPrefix(runID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p Process
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			procs = append(procs, &p)
		}
		return nil
	})
	return procs, err
}

func processPrefix(runID string) []byte {
	return []byte(runID + "\x00")
}
