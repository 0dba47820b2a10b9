// Command bench runs a synthetic workload against a simulated
// shardcache cluster (ARC shards replicated via KePaxos over an
// in-process transport) and exposes optional pprof/Prometheus endpoints.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chorny/shardcache/metrics/prom"
	"github.com/chorny/shardcache/shardcache"
	"github.com/chorny/shardcache/shardcache/transport"
)

func main() {
	var (
		replicas = flag.Int("replicas", 3, "number of simulated KePaxos replicas")
		capacity = flag.Int("cap", 1<<20, "per-shard ARC capacity (bytes)")
		shards   = flag.Int("shards", 0, "ARC shards per node (0=auto)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys  = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	arcMetrics := prom.NewArc(nil, "shardcache", "bench", nil)
	kpMetrics := prom.NewKePaxos(nil, "shardcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	peers := make([]string, *replicas)
	for i := range peers {
		peers[i] = "replica" + strconv.Itoa(i)
	}
	tr := transport.NewMemory()
	nodes := make([]*shardcache.Node[string], *replicas)
	for i, self := range peers {
		node, err := shardcache.New[string](shardcache.Options[string]{
			Peers:          peers,
			Self:           self,
			Shards:         *shards,
			ShardCapacity:  *capacity,
			Codec:          shardcache.StringCodec{},
			Send:           tr.SendFrom(self),
			Metrics:        arcMetrics,
			KepaxosMetrics: kpMetrics,
		})
		if err != nil {
			log.Fatalf("shardcache.New(%s): %v", self, err)
		}
		tr.Register(self, node.Engine())
		nodes[i] = node
	}
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()

	// ---- Preload half the keyspace through replica 0 ----
	preload := *keys / 2
	if preload > 50_000 {
		preload = 50_000 // keep startup bounded regardless of -keys
	}
	for i := 0; i < preload; i++ {
		k := "k:" + strconv.Itoa(i)
		if err := nodes[0].Set(k, "v"+strconv.Itoa(i)); err != nil {
			log.Fatalf("preload Set: %v", err)
		}
	}

	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	var reads, writes, hits, misses, total uint64
	deadline := time.Now().Add(*duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)
			node := nodes[id%len(nodes)]

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for time.Now().Before(deadline) {
				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if _, ok := node.Get(keyByZipf()); ok {
						atomic.AddUint64(&hits, 1)
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					k := keyByZipf()
					_ = node.Set(k, "v"+strconv.Itoa(localR.Int()))
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("replicas=%d cap=%d shards=%d workers=%d keys=%d dur=%v seed=%d\n",
		*replicas, *capacity, *shards, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)
}
