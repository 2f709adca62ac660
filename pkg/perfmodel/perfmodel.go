// Package perfmodel persists per-(codelet, architecture) execution history
// so the scheduler can estimate how long a task will take on a candidate
// worker before dispatching it (spec.md §3.6 Performance model).
package perfmodel

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.etcd.io/bbolt"
)

var bucketHistory = []byte("history")

// Estimate is the model's prediction for one (codelet, architecture) pair.
type Estimate struct {
	Mean    time.Duration
	Samples int
}

// record is the JSON-encoded value stored per bucket key, one bucket key
// per (codelet name, architecture) pair.
type record struct {
	Samples int     `json:"samples"`
	SumNS   float64 `json:"sum_ns"`
	SumSqNS float64 `json:"sum_sq_ns"`
}

// Model is a bbolt-backed performance history store. Each codelet's
// per-architecture execution durations accumulate into a running mean and
// variance, bucket-per-kind in the teacher's storage style — here a single
// "history" bucket keyed by codelet name and architecture.
type Model struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the performance model database at
// path.
func Open(path string) (*Model, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("perfmodel: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHistory)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("perfmodel: init buckets: %w", err)
	}
	return &Model{db: db}, nil
}

// Close closes the underlying database.
func (m *Model) Close() error {
	return m.db.Close()
}

func key(codeletName, arch string) []byte {
	return []byte(codeletName + "\x00" + arch)
}

// Lookup returns the current estimate for a (codelet, arch) pair, and
// whether any samples have been recorded yet.
func (m *Model) Lookup(codeletName, arch string) (Estimate, bool) {
	var est Estimate
	var found bool

	_ = m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		raw := b.Get(key(codeletName, arch))
		if raw == nil {
			return nil
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil
		}
		found = true
		if r.Samples > 0 {
			est = Estimate{Mean: time.Duration(r.SumNS / float64(r.Samples)), Samples: r.Samples}
		}
		return nil
	})
	return est, found
}

// Record folds one observed execution duration into the running history
// for (codeletName, arch).
func (m *Model) Record(codeletName, arch string, d time.Duration) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		k := key(codeletName, arch)

		var r record
		if raw := b.Get(k); raw != nil {
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("perfmodel: decode history for %s/%s: %w", codeletName, arch, err)
			}
		}

		ns := float64(d.Nanoseconds())
		r.Samples++
		r.SumNS += ns
		r.SumSqNS += ns * ns

		encoded, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(k, encoded)
	})
}

// StdDev reports the sample standard deviation of recorded durations for a
// (codelet, arch) pair, or zero if fewer than two samples exist.
func (m *Model) StdDev(codeletName, arch string) time.Duration {
	var out time.Duration
	_ = m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		raw := b.Get(key(codeletName, arch))
		if raw == nil {
			return nil
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil || r.Samples < 2 {
			return nil
		}
		n := float64(r.Samples)
		mean := r.SumNS / n
		variance := r.SumSqNS/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		out = time.Duration(math.Sqrt(variance))
		return nil
	})
	return out
}
