package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/messenger/loadtest/client"
	"github.com/whisper/messenger/loadtest/stats"
)

// runPresence measures presence propagation. A fixed set of observers stays
// connected while subjects repeatedly connect, announce and disconnect. Every
// observer times how long the presenceUpdate for each transition takes to
// arrive after the subject acted.
func runPresence(args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	observers := fs.Int("observers", 200, "Number of connected observers")
	subjects := fs.Int("subjects", 50, "Number of subject connect/disconnect cycles")
	interval := fs.Duration("interval", 200*time.Millisecond, "Delay between subject cycles")
	settle := fs.Duration("settle", 2*time.Second, "Time to wait for trailing updates")
	metricsURL := fs.String("metrics", "", "Server /metrics URL to scrape during the test")
	jwtSecret := fs.String("jwt-secret", "", "Sign announce tokens with this secret (servers with SOCKET_AUTH on)")
	fs.Parse(args)

	announceAs := announcer(*jwtSecret)

	fmt.Printf("Presence test: %d observers, %d subject cycles against %s\n", *observers, *subjects, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// Transition start times keyed by user id and direction.
	var marks sync.Map // "subject-3/online" -> time.Time

	onPresence := func(raw json.RawMessage) {
		var msg struct {
			UserID string `json:"user_id"`
			Online bool   `json:"online"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if start, ok := marks.Load(markKey(msg.UserID, msg.Online)); ok {
			collector.Add(stats.SeriesPresence, time.Since(start.(time.Time)))
		}
	}

	// -----------------------------------------------------------------------
	// Observers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Connecting observers ---")
	var watchers []*client.Client
	for i := 0; i < *observers; i++ {
		c, err := connect(ctx, *url, collector)
		if err != nil {
			continue
		}
		c.On(client.TypePresenceUpdate, onPresence)
		if err := announceAs(c, fmt.Sprintf("observer-%d", i)); err != nil {
			collector.AddError()
			c.Close()
			continue
		}
		watchers = append(watchers, c)
	}
	fmt.Printf("Observers connected: %d/%d\n", len(watchers), *observers)

	// -----------------------------------------------------------------------
	// Subject churn
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Subject churn ---")
	for i := 0; i < *subjects && ctx.Err() == nil; i++ {
		userID := fmt.Sprintf("subject-%d", i)

		c, err := connect(ctx, *url, collector)
		if err != nil {
			continue
		}
		marks.Store(markKey(userID, true), time.Now())
		if err := announceAs(c, userID); err != nil {
			collector.AddError()
			c.Close()
			continue
		}

		time.Sleep(*interval)

		marks.Store(markKey(userID, false), time.Now())
		c.Close()

		if (i+1)%10 == 0 {
			fmt.Printf("  [churn] cycles: %d/%d  samples: %d\n",
				i+1, *subjects, collector.Samples(stats.SeriesPresence))
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(*settle):
	}

	expected := 2 * *subjects * len(watchers)
	fmt.Printf("\nPresence updates observed: %d/%d\n", collector.Samples(stats.SeriesPresence), expected)

	for _, c := range watchers {
		c.Close()
	}
	collector.Report()
}

// connect dials, waits for sessionCreated and records the latencies.
func connect(ctx context.Context, url string, collector *stats.Collector) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := c.WaitForSession(connCtx); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	m := c.GetMetrics()
	collector.AddConnect(m.ConnectLatency, m.SessionLatency)
	return c, nil
}

func markKey(userID string, online bool) string {
	if online {
		return userID + "/online"
	}
	return userID + "/offline"
}
