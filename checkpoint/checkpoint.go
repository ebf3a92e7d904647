// Package checkpoint persists periodic snapshots of the chain
// hyperparameters, so an interrupted run can be inspected or resumed.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"

	"github.com/mrrstat/treelag/chain"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN is the bucket name for all snapshots.
var MAIN = []byte("main")

// Snapshot stores the chain hyperparameters at one iteration.
type Snapshot struct {
	Iter    int
	Final   bool
	Sigma2  float64
	Nu      float64
	Tau     []float64
	MuExp   []float64
	ExpProb []float64
	Gamma   []float64
}

// IO saves and loads snapshots under one key of a bolt database. A nil
// database disables persistence without changing the call sites.
type IO struct {
	db      *bolt.DB
	key     []byte
	last    time.Time
	seconds float64
}

// NewIO creates an IO saving at most once per the given period.
func NewIO(db *bolt.DB, key []byte, seconds float64) *IO {
	return &IO{db: db, key: key, seconds: seconds}
}

// Save serializes the chain hyperparameters and stores them. It
// implements the chain's checkpointer interface.
func (s *IO) Save(iter int, final bool, st *chain.State) error {
	// Even if saving fails, we do not want to run this code too often.
	s.SetNow()
	snap := &Snapshot{
		Iter:    iter,
		Final:   final,
		Sigma2:  st.Sigma2,
		Nu:      st.Nu,
		Tau:     st.Tau,
		MuExp:   st.MuExp,
		ExpProb: st.ExpProb,
		Gamma:   st.Gamma,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error("Error serializing checkpoint", err)
		return err
	}
	err = SaveData(s.db, s.key, data)
	if err != nil {
		log.Error("Error saving checkpoint", err)
	}
	return err
}

// Load returns the stored snapshot, or nil when there is none.
func (s *IO) Load() (*Snapshot, error) {
	b, err := LoadData(s.db, s.key)
	if err != nil || b == nil {
		return nil, err
	}

	var snap *Snapshot
	if err = json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	if snap.Final {
		log.Noticef("Found finished chain checkpoint (iter=%v)", snap.Iter)
	} else {
		log.Noticef("Found unfinished chain checkpoint (iter=%v)", snap.Iter)
	}
	return snap, nil
}

// Old returns true if the last save was too long ago.
func (s *IO) Old() bool {
	return time.Since(s.last).Seconds() > s.seconds
}

// SetNow sets the last save time to now.
func (s *IO) SetNow() {
	s.last = time.Now()
}

// SaveData saves a value in the bolt database.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(MAIN)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// LoadData loads a value from the bolt database.
func LoadData(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(MAIN); b != nil {
			if v := b.Get(key); v != nil {
				data = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
