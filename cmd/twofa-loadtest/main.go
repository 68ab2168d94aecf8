package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/identity"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

const loadSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func main() {
	var (
		identities  = flag.Int("identities", 10000, "number of enrolled identities to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (gate + verify)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *identities <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "identities, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := identity.NewMemoryStore()
	engine, err := buildEngine(client, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ids := make([]string, *identities)
	fmt.Printf("seeding %d verified sessions...\n", *identities)
	startSeed := time.Now()
	for i := range ids {
		id := "id-" + strconv.Itoa(i)
		ids[i] = id
		store.Put(twofa.Identity{ID: id, Role: "member", TwoFactorEnabled: true, TOTPSecret: loadSecret})
		if err := engine.MarkVerified(ctx, sessionFor(i), id, twofa.MethodTOTP); err != nil {
			fmt.Fprintf(os.Stderr, "mark verified failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	gateStats := runPhase(*ops, *concurrency, 7919, func(r *rand.Rand, _ int) error {
		idx := r.Intn(len(ids))
		res, err := engine.Evaluate(ctx, twofa.GateRequest{IdentityID: ids[idx], SessionID: sessionFor(idx), Path: "/dashboard"})
		if err != nil {
			return err
		}
		if res.Decision != twofa.GatePass {
			return fmt.Errorf("unexpected decision %s", res.Decision)
		}
		return nil
	})

	bad := wrongCode()
	verifyStats := runPhase(*ops, *concurrency, 6151, func(r *rand.Rand, i int) error {
		idx := r.Intn(len(ids))
		// One address per operation keeps the limiter out of the measurement.
		vctx := twofa.WithClientIP(ctx, "10."+strconv.Itoa(i>>16&255)+"."+strconv.Itoa(i>>8&255)+"."+strconv.Itoa(i&255))
		_, err := engine.Verify(vctx, twofa.VerifyRequest{SessionID: sessionFor(idx), IdentityID: ids[idx], Code: bad})
		if err == nil {
			return fmt.Errorf("wrong code accepted")
		}
		if twofa.KindOf(err) != twofa.KindInvalidCode && twofa.KindOf(err) != twofa.KindAlreadyUsed {
			return err
		}
		return nil
	})

	fmt.Println("---- results ----")
	printStats("gate", gateStats)
	printStats("verify", verifyStats)
}

func buildEngine(client redis.UniversalClient, store *identity.MemoryStore) (*twofa.Engine, error) {
	cfg := twofa.DefaultConfig()
	cfg.Audit.Enabled = false
	cfg.Lockdown.FailureThreshold = 1 << 30
	cfg.Lockdown.GlobalFailureCapacity = 1 << 30
	for name, p := range cfg.Lockdown.Policies {
		p.MaxAttempts = 0
		cfg.Lockdown.Policies[name] = p
	}
	return twofa.New().
		WithConfig(cfg).
		WithRedis(client).
		WithIdentityProvider(store).
		Build()
}

// runPhase executes op ops times across concurrency workers and records the
// latency of each call.
func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func sessionFor(i int) string {
	return "sid-" + strconv.Itoa(i)
}

// wrongCode returns a code that matches no step within the skew window.
func wrongCode() string {
	now := time.Now()
	valid := map[string]bool{}
	for _, off := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		if c, err := totp.GenerateCode(loadSecret, now.Add(off)); err == nil {
			valid[c] = true
		}
	}
	for n := 0; ; n++ {
		c := fmt.Sprintf("%06d", n)
		if !valid[c] {
			return c
		}
	}
}
