package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type perfOptions struct {
	requests    int
	concurrency int
	content     string
	confidence  float64
	timeout     time.Duration
}

type perfReport struct {
	Requests int     `json:"requests"`
	Failures int     `json:"failures"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	P99MS    float64 `json:"p99_ms"`
	MaxMS    float64 `json:"max_ms"`
}

func perfCmd(opts *globalOptions) *cobra.Command {
	p := perfOptions{}
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Replay routing requests against a server and report latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if p.requests <= 0 || p.concurrency <= 0 {
				return fmt.Errorf("--requests and --concurrency must be positive")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), p.timeout)
			defer cancel()

			report := runPerf(ctx, newAPIClient(opts.server), p)
			out := cmd.OutOrStdout()
			status := color.New(color.FgGreen).Sprint("ok")
			if report.Failures > 0 {
				status = color.New(color.FgRed).Sprintf("%d failed", report.Failures)
			}
			fmt.Fprintf(out, "route: %d requests, %s, p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms\n",
				report.Requests, status, report.P50MS, report.P95MS, report.P99MS, report.MaxMS)

			// Server-side stage windows are optional; older servers lack the endpoint.
			if data, err := newAPIClient(opts.server).do(ctx, http.MethodGet, "/v1/perf/latency", nil); err == nil {
				fmt.Fprintln(out, "server stages:")
				return writeJSON(out, data)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&p.requests, "requests", 200, "number of route requests")
	cmd.Flags().IntVar(&p.concurrency, "concurrency", 8, "parallel requests in flight")
	cmd.Flags().StringVar(&p.content, "content", "please review this refund request", "content sent with every request")
	cmd.Flags().Float64Var(&p.confidence, "confidence", 0.5, "confidence signal sent with every request")
	cmd.Flags().DurationVar(&p.timeout, "timeout", 2*time.Minute, "overall replay timeout")
	return cmd
}

func runPerf(ctx context.Context, client *apiClient, p perfOptions) perfReport {
	jobs := make(chan int)
	var (
		mu        sync.Mutex
		latencies = make([]float64, 0, p.requests)
		failures  int
		wg        sync.WaitGroup
	)
	for w := 0; w < p.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				body := map[string]any{
					"request_id": fmt.Sprintf("perf-%d", i),
					"content":    p.content,
					"signals":    map[string]float64{"confidence": p.confidence},
				}
				started := time.Now()
				_, err := client.do(ctx, http.MethodPost, "/v1/route", body)
				elapsed := float64(time.Since(started).Microseconds()) / 1000
				mu.Lock()
				if err != nil {
					failures++
				} else {
					latencies = append(latencies, elapsed)
				}
				mu.Unlock()
			}
		}()
	}
sendLoop:
	for i := 0; i < p.requests; i++ {
		select {
		case <-ctx.Done():
			mu.Lock()
			failures += p.requests - i
			mu.Unlock()
			break sendLoop
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	sort.Float64s(latencies)
	report := perfReport{Requests: p.requests, Failures: failures}
	if n := len(latencies); n > 0 {
		report.P50MS = percentile(latencies, 0.50)
		report.P95MS = percentile(latencies, 0.95)
		report.P99MS = percentile(latencies, 0.99)
		report.MaxMS = latencies[n-1]
	}
	return report
}

// percentile uses nearest rank over sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
