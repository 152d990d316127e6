package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"checkq/internal/config"
	"checkq/internal/logging"
	"checkq/internal/progress"
	"checkq/internal/proxy"
	"checkq/internal/queue"
	"checkq/internal/store"
)

func main() {
	addr := flag.String("redis", os.Getenv("CHECKQ_REDIS_ADDR"), "Redis address")
	numBatches := flag.Int("batches", 10, "Number of batches to submit")
	batchSize := flag.Int("batch-size", 100, "Credentials per batch")
	dupPercent := flag.Int("dup-percent", 10, "Percentage of credentials repeated across batches")
	proxies := flag.String("proxies", "p1=http://127.0.0.1:9001,p2=http://127.0.0.1:9002", "Proxy pool as id=url pairs")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")

	flag.Parse()

	if *addr == "" {
		*addr = "127.0.0.1:6379"
	}

	pool, err := config.ParseProxyList(*proxies)
	if err != nil {
		log.Fatalf("Bad proxy list: %v", err)
	}

	logger := logging.Init("loadgen")
	st := store.New(store.Options{Addr: *addr})
	defer st.Close()

	ctx := context.Background()
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}

	router := proxy.NewRouter(st, pool, proxy.RouterOptions{}, logger)
	q := queue.NewService(st, router, queue.ServiceOptions{}, logger)
	tracker := progress.NewTracker(st, progress.LogReporter{Logger: logger}, progress.TrackerOptions{}, logger)

	r := rand.New(rand.NewSource(*seed))

	// A small shared pool drives the duplicate percentage: credentials drawn
	// from it collide across batches and should come back cached.
	shared := make([]queue.Credential, 50)
	for i := range shared {
		shared[i] = queue.Credential{
			Username: fmt.Sprintf("shared%03d@example.com", i),
			Password: fmt.Sprintf("pw-%08x", r.Uint32()),
		}
	}

	log.Printf("Submitting %d batches of %d credentials...", *numBatches, *batchSize)
	start := time.Now()
	var queued, cached int

	for b := 0; b < *numBatches; b++ {
		creds := make([]queue.Credential, 0, *batchSize)
		for i := 0; i < *batchSize; i++ {
			if r.Intn(100) < *dupPercent {
				creds = append(creds, shared[r.Intn(len(shared))])
				continue
			}
			creds = append(creds, queue.Credential{
				Username: fmt.Sprintf("user%08x@example.com", r.Uint64()),
				Password: fmt.Sprintf("pw-%08x", r.Uint32()),
			})
		}

		batchID := uuid.NewString()
		res, err := q.EnqueueBatch(ctx, batchID, creds)
		if err != nil {
			log.Fatalf("Failed to enqueue batch %s: %v", batchID, err)
		}
		if res.Queued > 0 {
			if err := tracker.InitBatch(ctx, batchID, res.Queued, queue.ReportTarget{}); err != nil {
				log.Fatalf("Failed to init batch %s: %v", batchID, err)
			}
		}
		queued += res.Queued
		cached += res.Cached
		fmt.Printf(".")
	}

	fmt.Println()
	log.Printf("Done in %v: queued=%d cached=%d", time.Since(start), queued, cached)
}
