package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/punchamoorthee/jimpitan/internal/logger"
	"github.com/spf13/cobra"
)

type options struct {
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	customers   int
	replayRate  float64
}

// Metrics
var (
	totalRequests uint64
	created201    uint64
	replayed200   uint64
	rejected4xx   uint64
	failOther     uint64
)

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Load-test the reconciliation endpoint",
		Long: `Fires concurrent deposit submissions at the server. The "replay" workload
resends previously used idempotency keys to measure the duplicate path; the
"hotspot" workload concentrates writes on one customer to stress the atomic
balance update.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.targetURL, "url", "http://localhost:8080", "API base URL")
	cmd.Flags().IntVar(&opts.concurrency, "workers", 10, "number of concurrent workers")
	cmd.Flags().DurationVar(&opts.duration, "duration", 30*time.Second, "test duration")
	cmd.Flags().StringVar(&opts.workload, "workload", "uniform", "workload type: uniform | hotspot | replay")
	cmd.Flags().IntVar(&opts.customers, "customers", 200, "number of seeded customers (JMP0001..)")
	cmd.Flags().Float64Var(&opts.replayRate, "replay-rate", 0.3, "fraction of requests resending a used key (replay workload)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts *options) error {
	log := logger.New("info")
	switch opts.workload {
	case "uniform", "hotspot", "replay":
	default:
		return fmt.Errorf("unknown workload %q", opts.workload)
	}
	log.Info().
		Str("workload", opts.workload).
		Int("workers", opts.concurrency).
		Dur("duration", opts.duration).
		Msg("starting benchmark")

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(opts.concurrency)
	for i := 0; i < opts.concurrency; i++ {
		go worker(&wg, opts, start)
	}
	wg.Wait()

	return printResults(opts.workload, time.Since(start))
}

type sentRequest struct {
	key  string
	body []byte
}

func worker(wg *sync.WaitGroup, opts *options, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var sent []sentRequest

	for time.Since(start) < opts.duration {
		var req sentRequest
		if opts.workload == "replay" && len(sent) > 0 && rng.Float64() < opts.replayRate {
			req = sent[rng.Intn(len(sent))]
		} else {
			req = newDeposit(rng, opts)
			sent = append(sent, req)
		}

		httpReq, _ := http.NewRequest(http.MethodPost, opts.targetURL+"/api/v1/transactions", bytes.NewReader(req.body))
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.key)

		resp, err := client.Do(httpReq)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == http.StatusCreated:
			atomic.AddUint64(&created201, 1)
		case resp.StatusCode == http.StatusOK:
			atomic.AddUint64(&replayed200, 1)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			atomic.AddUint64(&rejected4xx, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func newDeposit(rng *rand.Rand, opts *options) sentRequest {
	n := rng.Intn(opts.customers) + 1
	if opts.workload == "hotspot" && rng.Float32() < 0.90 {
		n = 1
	}
	today := time.Now().Format(domain.DateLayout)
	body, _ := json.Marshal(domain.TransactionRequest{
		CustomerCode: fmt.Sprintf("JMP%04d", n),
		DateFrom:     today,
		DateTo:       today,
		Amount:       int64(500 * (rng.Intn(20) + 1)),
		Kind:         domain.KindDeposit,
		CreatedBy:    "benchmark",
	})
	return sentRequest{key: uuid.NewString(), body: body}
}

func printResults(workload string, d time.Duration) error {
	total := atomic.LoadUint64(&totalRequests)
	var replayPct float64
	if total > 0 {
		replayPct = float64(atomic.LoadUint64(&replayed200)) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": float64(total) / d.Seconds(),
		"created":        atomic.LoadUint64(&created201),
		"replayed":       atomic.LoadUint64(&replayed200),
		"replay_pct":     replayPct,
		"rejected_4xx":   atomic.LoadUint64(&rejected4xx),
		"errors":         atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	file, err := os.Create(fmt.Sprintf("results_%s.json", workload))
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(results)
}
