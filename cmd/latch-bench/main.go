// Command latch-bench hammers one resource from many workers and checks that
// the lock never lets two of them in at once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
	"github.com/mirkobrombin/go-latch/v1/redlock"
)

var (
	concurrency = flag.Int("c", 20, "Concurrent workers")
	requests    = flag.Int("n", 2000, "Total critical sections")
	hold        = flag.Duration("hold", time.Millisecond, "Time spent inside the critical section")
	ttl         = flag.Duration("ttl", 5*time.Second, "Lock lease")
	target      = flag.String("target", "single", "Target: single, redlock or all")
	redisAddr   = flag.String("redis-addr", "redis://localhost:6379", "Redis URL for the single-node target")
	nodes       = flag.String("nodes", "redis://localhost:6379,redis://localhost:6380,redis://localhost:6381", "Redis URLs for the redlock target")
)

// acquirer takes the lock and returns its release function.
type acquirer func(ctx context.Context, resource string) (func(), error)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"single", "redlock"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-10s |\n", "Target", "Ops/sec", "Avg Wait", "P99 Wait", "Overlaps")
	fmt.Println("|:---|:---|:---|:---|:---|")

	failed := false
	for _, t := range targets {
		if !runBenchmark(strings.TrimSpace(t)) {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func newAcquirers(name string) ([]acquirer, func(), error) {
	opts := presets.Defaults()
	opts.TTL = *ttl
	opts.AcquireTimeout = time.Minute
	opts.RetryInterval = 5 * time.Millisecond

	var (
		out     []acquirer
		closers []func() error
	)
	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	// One connection set per worker, as separate processes would have.
	for i := 0; i < *concurrency; i++ {
		switch name {
		case "single":
			opts.Nodes = []string{*redisAddr}
			s, err := presets.NewSingle(opts)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			closers = append(closers, s.Close)
			out = append(out, singleAcquirer(s.Locker, opts.Backoff()))
		case "redlock":
			opts.Nodes = strings.Split(*nodes, ",")
			opts.NodeTimeout = 100 * time.Millisecond
			q, err := presets.NewQuorum(opts)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			closers = append(closers, q.Close)
			out = append(out, quorumAcquirer(q.Redlock, opts.Backoff()))
		default:
			return nil, nil, fmt.Errorf("unknown target %q", name)
		}
	}
	return out, cleanup, nil
}

func singleAcquirer(l *lock.Locker, b lock.Backoff) acquirer {
	return func(ctx context.Context, resource string) (func(), error) {
		h, err := l.AcquireBlocking(ctx, resource, *ttl, b)
		if err != nil {
			return nil, err
		}
		return func() { _, _ = l.Release(ctx, h) }, nil
	}
}

func quorumAcquirer(r *redlock.Redlock, b lock.Backoff) acquirer {
	return func(ctx context.Context, resource string) (func(), error) {
		s, err := r.AcquireBlocking(ctx, resource, *ttl, b)
		if err != nil {
			return nil, err
		}
		return func() { _, _ = r.Release(ctx, s) }, nil
	}
}

func runBenchmark(name string) bool {
	acquirers, cleanup, err := newAcquirers(name)
	if err != nil {
		log.Printf("%s: %v", name, err)
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-10s |\n", name, "ERROR", "-", "-", "-")
		return false
	}
	defer cleanup()

	ctx := context.Background()
	resource := fmt.Sprintf("bench:%s:%d", name, time.Now().UnixNano())

	var (
		wg       sync.WaitGroup
		ops      int64
		inside   int64
		overlaps int64
		errs     int64
	)
	total := *requests
	chunk := total / len(acquirers)
	waits := make([]int64, chunk*len(acquirers))

	start := time.Now()
	for i, acquire := range acquirers {
		wg.Add(1)
		go func(idx int, acquire acquirer) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				release, err := acquire(ctx, resource)
				if err != nil {
					atomic.AddInt64(&errs, 1)
					continue
				}
				waits[offset+j] = time.Since(reqStart).Nanoseconds()
				if atomic.AddInt64(&inside, 1) > 1 {
					atomic.AddInt64(&overlaps, 1)
				}
				time.Sleep(*hold)
				atomic.AddInt64(&inside, -1)
				release()
				atomic.AddInt64(&ops, 1)
			}
		}(i, acquire)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s | %-10s |\n", name, "ERROR", "-", "-", "-")
		return false
	}
	if errs > 0 {
		log.Printf("%s: %d acquisitions failed", name, errs)
	}

	valid := make([]int64, 0, ops)
	var sum int64
	for _, w := range waits {
		if w > 0 {
			valid = append(valid, w)
			sum += w
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
	p99Idx := int(float64(len(valid)) * 0.99)
	if p99Idx >= len(valid) {
		p99Idx = len(valid) - 1
	}

	throughput := float64(ops) / elapsed.Seconds()
	avg := time.Duration(sum / int64(len(valid)))
	p99 := time.Duration(valid[p99Idx])
	fmt.Printf("| %-10s | %-10.0f | %-12v | %-12v | %-10d |\n", name, throughput, avg.Round(time.Microsecond), p99.Round(time.Microsecond), overlaps)
	return overlaps == 0
}
