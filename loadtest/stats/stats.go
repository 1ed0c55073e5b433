// Package stats provides a goroutine-safe metrics collector that aggregates
// performance data from multiple load test clients and prints a summary report
// with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Latency series recorded by the scenarios.
const (
	SeriesConnect  = "Connect"
	SeriesSession  = "Session Handshake"
	SeriesPresence = "Presence Propagation"
	SeriesPong     = "Ping Round Trip"
)

// Collector aggregates metrics from multiple load test clients. All methods
// are goroutine-safe and can be called concurrently from many client
// goroutines.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	order       []string
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper attaches a Prometheus metrics scraper to this collector. When set,
// Report() will also print server-side metrics collected by the scraper.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with its connect and handshake
// latencies.
func (c *Collector) AddConnect(connect, session time.Duration) {
	c.mu.Lock()
	c.connections++
	c.addLocked(SeriesConnect, connect)
	if session > 0 {
		c.addLocked(SeriesSession, session)
	}
	c.mu.Unlock()
}

// Add records one latency sample in the named series.
func (c *Collector) Add(series string, d time.Duration) {
	c.mu.Lock()
	c.addLocked(series, d)
	c.mu.Unlock()
}

func (c *Collector) addLocked(series string, d time.Duration) {
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the current number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the current number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Samples returns the number of samples recorded in a series.
func (c *Collector) Samples(series string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.series[series])
}

// Report prints a formatted summary of the collected metrics to stdout,
// including total duration, connection count, error count, and percentile
// distributions for every latency series in the order first recorded.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)

	if c.connections > 0 {
		errorRate := float64(c.errors) / float64(c.connections) * 100
		fmt.Printf("Error rate:   %.2f%%\n", errorRate)
	}

	for _, name := range c.order {
		fmt.Printf("\n--- %s Latency ---\n", name)
		fmt.Println(FormatPercentiles(c.series[name]))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// ComputePercentiles sorts durations in place and summarizes them. An empty
// sample yields the zero value.
func ComputePercentiles(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

// FormatPercentiles renders avg, p50, p95, p99 and max of a sample.
func FormatPercentiles(durations []time.Duration) string {
	p := ComputePercentiles(durations)
	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}
