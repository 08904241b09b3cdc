package server

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/hyperkv/hyperkv/config"
)

func benchServer(b *testing.B, mutate func(*config.Config)) *Server {
	b.Helper()
	cfg := config.Default()
	cfg.NodeID = "bench-node"
	cfg.Storage.DataDir = b.TempDir()
	cfg.Storage.AOFEnabled = false
	cfg.Storage.SnapshotEnabled = false
	cfg.TTL.CheckInterval = config.Duration(time.Second)
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(Options{Config: cfg})
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Start(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Stop() })
	return s
}

func BenchmarkSet(b *testing.B) {
	s := benchServer(b, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Set("k:"+strconv.Itoa(i%10000), "value", 0, "")
	}
}

func BenchmarkGetHit(b *testing.B) {
	s := benchServer(b, nil)
	for i := 0; i < 10000; i++ {
		_, _ = s.Set("k:"+strconv.Itoa(i), "value", 0, "")
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = s.Get("k:" + strconv.Itoa(i%10000))
	}
}

func BenchmarkGetParallel(b *testing.B) {
	s := benchServer(b, func(c *config.Config) { c.NumShards = 16 })
	for i := 0; i < 10000; i++ {
		_, _ = s.Set("k:"+strconv.Itoa(i), "value", 0, "")
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _, _ = s.Get("k:" + strconv.Itoa(i%10000))
			i++
		}
	})
}

func BenchmarkCRDTIncrement(b *testing.B) {
	s := benchServer(b, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.CRDTIncrement(fmt.Sprintf("cnt:%d", i%64), 1)
	}
}

func BenchmarkSetWithAOF(b *testing.B) {
	s := benchServer(b, func(c *config.Config) {
		c.Storage.AOFEnabled = true
		c.Storage.AOFFsyncPolicy = "no"
	})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Set("k:"+strconv.Itoa(i%10000), "value", 0, "")
	}
}
