// Command bench runs a synthetic workload against an embedded HyperKV
// server and reports throughput and hit rate.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperkv/hyperkv/config"
	"github.com/hyperkv/hyperkv/server"
)

func main() {
	var (
		shards   = flag.Int("shards", 0, "number of shards (0=auto)")
		policy   = flag.String("policy", "lru", "eviction policy: lru | lfu | arc | random | volatile-lru | volatile-lfu")
		memory   = flag.Int64("memory", 256<<20, "cache memory budget in bytes")
		aof      = flag.Bool("aof", false, "enable the append log")
		fsync    = flag.String("fsync", "everysec", "aof fsync policy: always | everysec | no")
		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")
		keys     = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS    = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV    = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload  = flag.Int("preload", 100_000, "preload entries")
		pprofA   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	)
	flag.Parse()

	if *pprofA != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofA)
			log.Println(http.ListenAndServe(*pprofA, nil))
		}()
	}

	dir, err := os.MkdirTemp("", "hyperkv-bench-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.NodeID = "bench-node"
	cfg.NumShards = *shards
	cfg.Storage.DataDir = dir
	cfg.Storage.AOFEnabled = *aof
	cfg.Storage.AOFFsyncPolicy = *fsync
	cfg.Storage.SnapshotEnabled = false
	cfg.Cache.MaxMemory = config.Size(*memory)
	cfg.Cache.EvictionPolicy = *policy

	srv, err := server.New(server.Options{Config: cfg})
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
	defer srv.Stop() //nolint:errcheck

	for i := 0; i < *preload; i++ {
		k := "k:" + strconv.Itoa(i)
		if _, err := srv.Set(k, "v"+strconv.Itoa(i), 0, ""); err != nil {
			log.Fatal(err)
		}
	}

	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	var reads, writes, hits, misses, total uint64
	stopAt := time.Now().Add(*duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, *zipfS, *zipfV, keysMax)
			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for time.Now().Before(stopAt) {
				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if _, ok, _ := srv.Get(keyByZipf()); ok {
						atomic.AddUint64(&hits, 1)
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					if _, err := srv.Set(keyByZipf(), "v"+strconv.Itoa(localR.Int()), 0, ""); err != nil {
						log.Fatal(err)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(atomic.LoadUint64(&hits)) / float64(readsN) * 100
	}

	fmt.Printf("policy=%s shards=%d workers=%d keys=%d aof=%v dur=%v seed=%d\n",
		*policy, cfg.NumShards, workersN, *keys, *aof, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, atomic.LoadUint64(&writes))
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n",
		atomic.LoadUint64(&hits), atomic.LoadUint64(&misses), hitRate)
}
