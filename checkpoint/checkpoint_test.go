package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mrrstat/treelag/chain"
)

func TestSaveLoad(tst *testing.T) {
	fn := filepath.Join(tst.TempDir(), "chain.db")
	db, err := bolt.Open(fn, 0666, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	defer db.Close()

	io := NewIO(db, []byte("chain"), 30)
	st := &chain.State{
		Sigma2:  2.5,
		Nu:      0.7,
		Tau:     []float64{1, 2, 3},
		MuExp:   []float64{0.5, 1.5},
		ExpProb: []float64{0.25, 0.75},
		Gamma:   []float64{-1, 4},
	}
	if err := io.Save(120, false, st); err != nil {
		tst.Fatal("Error: ", err)
	}

	snap, err := io.Load()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if snap == nil {
		tst.Fatal("No snapshot found after save")
	}
	if snap.Iter != 120 || snap.Final {
		tst.Errorf("Expected iter=120 final=false, got iter=%d final=%v", snap.Iter, snap.Final)
	}
	if snap.Sigma2 != 2.5 || snap.Nu != 0.7 {
		tst.Error("Scalar state lost in round trip")
	}
	if len(snap.Tau) != 3 || snap.Tau[2] != 3 {
		tst.Error("Tree scales lost in round trip")
	}
	if len(snap.ExpProb) != 2 || snap.ExpProb[1] != 0.75 {
		tst.Error("Selection probabilities lost in round trip")
	}

	// a later final save replaces the snapshot
	if err := io.Save(200, true, st); err != nil {
		tst.Fatal("Error: ", err)
	}
	snap, err = io.Load()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if snap.Iter != 200 || !snap.Final {
		tst.Error("Final snapshot not stored")
	}
}

func TestOld(tst *testing.T) {
	io := NewIO(nil, []byte("chain"), 0.01)
	if !io.Old() {
		tst.Error("Fresh IO with zero last-save time must be old")
	}
	io.SetNow()
	if io.Old() {
		tst.Error("Just-saved IO reported as old")
	}
	time.Sleep(20 * time.Millisecond)
	if !io.Old() {
		tst.Error("IO not old after the period elapsed")
	}
}

func TestNilDatabase(tst *testing.T) {
	io := NewIO(nil, []byte("chain"), 30)
	if err := io.Save(1, false, &chain.State{}); err != nil {
		tst.Error("Nil database save must be a no-op, got", err)
	}
	snap, err := io.Load()
	if err != nil || snap != nil {
		tst.Error("Nil database load must return nothing")
	}
}
