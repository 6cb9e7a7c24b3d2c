package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/proto"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/rpc"
)

type Config struct {
	BaseURL     string
	RPCAddr     string
	Mode        string
	Concurrency int
	Duration    time.Duration
	Drivers     int
	Candidates  int
	MaxResults  int
	CenterLat   float64
	CenterLon   float64
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	degraded      atomic.Int64
	excluded      atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

func (s *Stats) RecordResponse(resp *proto.RankResponse) {
	if resp.Degraded {
		s.degraded.Add(1)
	}
	s.excluded.Add(int64(len(resp.Excluded)))
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the ranking service")
	rpcAddr := flag.String("rpc", "localhost:9100", "address of the ranking RPC endpoint")
	mode := flag.String("mode", "http", "transport to drive: http or rpc")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	drivers := flag.Int("drivers", 200, "size of the driver id space (driver_0..driver_N-1)")
	candidates := flag.Int("candidates", 50, "candidates per request")
	maxResults := flag.Int("max-results", 5, "drivers requested per ranking")
	flag.Parse()

	if *mode != "http" && *mode != "rpc" {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
	if *drivers <= 0 || *candidates <= 0 {
		fmt.Fprintln(os.Stderr, "-drivers and -candidates must be positive")
		os.Exit(2)
	}

	cfg := Config{
		BaseURL:     *baseURL,
		RPCAddr:     *rpcAddr,
		Mode:        *mode,
		Concurrency: *concurrency,
		Duration:    *duration,
		Drivers:     *drivers,
		Candidates:  min(*candidates, *drivers),
		MaxResults:  *maxResults,
		CenterLat:   40.7128,
		CenterLon:   -74.0060,
	}

	fmt.Println("=== Ranking Load Test ===")
	if cfg.Mode == "rpc" {
		fmt.Printf("Target:      rpc://%s\n", cfg.RPCAddr)
	} else {
		fmt.Printf("Target:      %s\n", cfg.BaseURL)
	}
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Candidates:  %d of %d drivers\n", cfg.Candidates, cfg.Drivers)
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

// ranker sends one ranking request and reports a status code.
type ranker func(ctx context.Context, req *proto.RankRequest) (*proto.RankResponse, int, error)

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(workerID), 42))

			send := httpRanker(client, cfg.BaseURL)
			if cfg.Mode == "rpc" {
				c, err := rpc.Dial(cfg.RPCAddr, 5*time.Second)
				if err != nil {
					stats.RecordRequest(0, 0, err)
					return
				}
				defer c.Close()
				send = rpcRanker(c)
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				req := randomRequest(rng, cfg)
				start := time.Now()
				resp, status, err := send(ctx, req)
				duration := time.Since(start)
				if err != nil && ctx.Err() != nil {
					return
				}
				stats.RecordRequest(duration, status, err)
				if resp != nil {
					stats.RecordResponse(resp)
				}
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func randomRequest(rng *rand.Rand, cfg Config) *proto.RankRequest {
	ids := make([]string, cfg.Candidates)
	for i, n := range rng.Perm(cfg.Drivers)[:cfg.Candidates] {
		ids[i] = fmt.Sprintf("driver_%d", n)
	}
	lat := cfg.CenterLat + (rng.Float64()-0.5)*0.1
	lon := cfg.CenterLon + (rng.Float64()-0.5)*0.1
	return &proto.RankRequest{
		RiderLat:     &lat,
		RiderLon:     &lon,
		CandidateIDs: ids,
		MaxResults:   int32(cfg.MaxResults),
	}
}

func httpRanker(client *http.Client, baseURL string) ranker {
	return func(ctx context.Context, req *proto.RankRequest) (*proto.RankResponse, int, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, 0, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/rank", bytes.NewReader(body))
		if err != nil {
			return nil, 0, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, resp.StatusCode, nil
		}
		var out proto.RankResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, resp.StatusCode, err
		}
		return &out, resp.StatusCode, nil
	}
}

func rpcRanker(c *rpc.Client) ranker {
	return func(ctx context.Context, req *proto.RankRequest) (*proto.RankResponse, int, error) {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var out proto.RankResponse
		if err := c.Call(callCtx, proto.MethodRank, req, &out); err != nil {
			if rpcErr, ok := err.(*rpc.Error); ok {
				return nil, rpcErr.Code, nil
			}
			return nil, 0, err
		}
		return &out, http.StatusOK, nil
	}
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)
	fmt.Printf("Degraded:        %d\n", stats.degraded.Load())
	fmt.Printf("Excluded:        %d candidates\n", stats.excluded.Load())

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Requests/sec:    %.2f\n", rps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])

		var sumSquared float64
		avgFloat := float64(avg)
		for _, l := range latencies {
			diff := float64(l) - avgFloat
			sumSquared += diff * diff
		}
		stddev := time.Duration(math.Sqrt(sumSquared / float64(len(latencies))))
		fmt.Printf("StdDev: %s\n", stddev)
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := stats.statusCodes[code].Load()
		fmt.Printf("  %d: %d\n", code, count)
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the ranker running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
