package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Gift settled
	fail422       uint64 // Insufficient funds / validation
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		sender, recipient := generateUsers()

		payload := map[string]interface{}{
			"sender_id":    sender,
			"recipient_id": recipient,
			"amount":       int64(100),
			"gift_type":    "star",
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/gifts", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateUsers() (int64, int64) {
	// Assumes the seeder layout: readers at ids 2-101, clients at 102-1001.
	readerBase, readerCount := 2, 100
	clientBase, clientCount := 102, 900

	if workload == "hotspot" {
		// Hotspot: 90% of the tips land on one star reader
		if rand.Float32() < 0.90 {
			return int64(clientBase + rand.Intn(clientCount)), int64(readerBase)
		}
	}

	sender := clientBase + rand.Intn(clientCount)
	recipient := readerBase + rand.Intn(readerCount)
	return int64(sender), int64(recipient)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"gifts_settled":     s201,
		"rejected_business": f422,
		"errors":            fErr,
	}

	// Print JSON so external tooling can consume the run
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
