package server

import (
	"fmt"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperkv/hyperkv/config"
)

// A mixed workload of concurrent Set/Get/Delete/Expire/CRDT ops on random
// keys. Should pass under `-race` without detector reports.
func TestRace_MixedWorkload(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.NumShards = 8
		c.Cache.MaxMemory = 1 << 20
	})

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 2000
	deadline := time.Now().Add(2 * time.Second)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(id)*9973 + 1))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4:
					_, _ = s.Delete(k)
				case 5, 6, 7, 8, 9:
					_, _ = s.Set(k, "x", time.Duration(10+r.Intn(50))*time.Millisecond, "")
				case 10, 11, 12:
					_, _ = s.Expire(k, time.Second)
				case 13, 14, 15:
					c := "cnt:" + strconv.Itoa(r.Intn(32))
					_, _ = s.CRDTIncrement(c, 1)
				case 16, 17, 18, 19:
					_, _ = s.Set(k, "x", 0, "")
				default:
					_, _, _ = s.Get(k)
				}
			}
		}(w)
	}
	wg.Wait()
}

// Concurrent counter increments across goroutines must all land: the
// shard-level read-modify-write is atomic.
func TestRace_CounterAtomicity(t *testing.T) {
	s := newTestServer(t, nil)

	const workers = 16
	const perWorker = 50

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				if _, err := s.CRDTIncrement("shared", 1); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	v, _, err := s.CRDTValue("shared")
	if err != nil {
		t.Fatal(err)
	}
	if v.(int64) != workers*perWorker {
		t.Fatalf("counter = %v, want %d", v, workers*perWorker)
	}
}

// Snapshots taken while writers run must not deadlock or corrupt state.
func TestRace_SnapshotDuringWrites(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.NumShards = 4 })

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				_, _ = s.Set(fmt.Sprintf("k%d", i%500), "v", 0, "")
			}
		}
	}()

	for i := 0; i < 5; i++ {
		if err := s.createSnapshot(); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}
