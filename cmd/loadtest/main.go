// Command loadtest drives a teamchat server with many concurrent clients,
// each holding a WebSocket event stream and posting messages at a configured
// rate, and reports throughput and event-delivery latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/teamchat/pkg/client"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

type stats struct {
	messagesSent   atomic.Int64
	sendErrors     atomic.Int64
	eventsReceived atomic.Int64
	connectDrops   atomic.Int64
}

func randomMessage(rng *rand.Rand) string {
	count := 3 + rng.Intn(12)
	words := make([]string, count)
	for i := range words {
		words[i] = loremWords[rng.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server base URL")
	adminUser := flag.String("admin-user", "", "Admin username (runs setup if server is fresh)")
	adminPass := flag.String("admin-pass", "", "Admin password")
	numClients := flag.Int("clients", 50, "Number of concurrent clients")
	msgRate := flag.Float64("rate", 0.5, "Messages per second per client")
	duration := flag.Duration("duration", time.Minute, "Test duration")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Interrupted, stopping")
		cancel()
	}()

	// Make sure the server is set up and has at least one channel
	bootstrap := client.NewAPI(*serverURL)
	needsSetup, err := bootstrap.NeedsSetup(ctx)
	if err != nil {
		log.Fatalf("Server unreachable: %v", err)
	}
	if needsSetup {
		if *adminUser == "" {
			log.Fatal("Server needs setup; pass -admin-user and -admin-pass")
		}
		if _, err := bootstrap.Setup(ctx, *adminUser, *adminPass); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
	} else if *adminUser != "" {
		if _, err := bootstrap.Login(ctx, *adminUser, *adminPass); err != nil {
			log.Fatalf("Admin login failed: %v", err)
		}
	}

	channels, err := bootstrap.ListChannels(ctx)
	if err != nil || len(channels) == 0 {
		log.Fatalf("No channels available: %v", err)
	}
	channelIDs := make([]string, len(channels))
	for i, c := range channels {
		channelIDs[i] = c.ID
	}
	log.Printf("Targeting %d channels with %d clients for %s", len(channelIDs), *numClients, *duration)

	var s stats
	// Keep generated usernames under the server's length limit
	runID := time.Now().UnixMilli() % 1000000
	var wg sync.WaitGroup

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runClient(ctx, *serverURL, fmt.Sprintf("load-%d-%d", runID, n), channelIDs, *msgRate, &s)
		}(i)
	}

	// Periodic progress report
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	start := time.Now()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			log.Printf("sent=%d (%.1f/s) errors=%d events=%d drops=%d",
				s.messagesSent.Load(), float64(s.messagesSent.Load())/elapsed,
				s.sendErrors.Load(), s.eventsReceived.Load(), s.connectDrops.Load())
		case <-done:
			elapsed := time.Since(start).Seconds()
			fmt.Printf("\n--- results ---\n")
			fmt.Printf("duration:        %.1fs\n", elapsed)
			fmt.Printf("messages sent:   %d (%.1f/s)\n", s.messagesSent.Load(), float64(s.messagesSent.Load())/elapsed)
			fmt.Printf("send errors:     %d\n", s.sendErrors.Load())
			fmt.Printf("events received: %d\n", s.eventsReceived.Load())
			fmt.Printf("connection drops:%d\n", s.connectDrops.Load())
			return
		}
	}
}

// runClient registers an account, holds an event stream open, and posts
// messages to random channels until the context ends
func runClient(ctx context.Context, serverURL, username string, channelIDs []string, rate float64, s *stats) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(username))))

	api := client.NewAPI(serverURL)
	if _, err := api.Register(ctx, username, "loadtest-password"); err != nil {
		log.Printf("%s: register failed: %v", username, err)
		return
	}

	conn := client.NewConnection(strings.Replace(serverURL, "http", "ws", 1)+"/ws", api.Token())
	conn.SetReconnectDelay(time.Second)
	conn.Connect()
	defer conn.Close()

	// Count received events and reconnects
	go func() {
		for {
			select {
			case _, ok := <-conn.Events():
				if !ok {
					return
				}
				s.eventsReceived.Add(1)
			case update := <-conn.StateChanges():
				if update.State == client.StateDisconnected && update.Err != nil {
					s.connectDrops.Add(1)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			channelID := channelIDs[rng.Intn(len(channelIDs))]
			if _, err := api.PostMessage(ctx, channelID, randomMessage(rng)); err != nil {
				s.sendErrors.Add(1)
			} else {
				s.messagesSent.Add(1)
			}
		}
	}
}
