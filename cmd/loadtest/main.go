package main

import (
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

	"github.com/google/uuid"

	"github.com/benleibowitz/meshchat/pkg/client"
	"github.com/benleibowitz/meshchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks what the swarm sent and received.
type Stats struct {
	sent             atomic.Int64
	sendFailures     atomic.Int64
	received         atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
}

func randomMessage() string {
	n := 3 + rand.Intn(10)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// runClient drives one simulated chat user until stop is closed.
func runClient(serverURL string, interval time.Duration, stats *Stats, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	conn := client.NewConnection(serverURL, "load_"+uuid.NewString()[:8])
	if err := conn.Connect(); err != nil {
		stats.connectionErrors.Add(1)
		return
	}
	defer conn.Close()

	// Count deliveries so cross-server fan-out shows up in the numbers.
	go func() {
		for env := range conn.Incoming() {
			if env.Type == protocol.TypeChatMessage {
				stats.received.Add(1)
			}
		}
	}()

	// Jitter start so the swarm does not send in lockstep.
	ticker := time.NewTicker(interval + time.Duration(rand.Int63n(int64(interval))))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-conn.Done():
			stats.disconnections.Add(1)
			return
		case <-ticker.C:
			if err := conn.SendChat(randomMessage(), ""); err != nil {
				stats.sendFailures.Add(1)
				continue
			}
			stats.sent.Add(1)
		}
	}
}

func main() {
	log.SetFlags(log.Ltime)

	serverURL := flag.String("server", "localhost:8000", "Server to load (host:port)")
	clients := flag.Int("clients", 10, "Number of concurrent clients")
	interval := flag.Duration("interval", time.Second, "Mean time between messages per client")
	duration := flag.Duration("duration", 30*time.Second, "Test duration (0 = until interrupted)")
	flag.Parse()

	log.Printf("Starting %d clients against %s, one message per ~%s each", *clients, *serverURL, *interval)

	stats := &Stats{}
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*serverURL, *interval, stats, stop, &wg)
		// Ramp up gradually instead of stampeding the listener.
		time.Sleep(10 * time.Millisecond)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	start := time.Now()
loop:
	for {
		select {
		case <-report.C:
			log.Printf("sent=%d failed=%d received=%d conn_errors=%d drops=%d",
				stats.sent.Load(), stats.sendFailures.Load(), stats.received.Load(),
				stats.connectionErrors.Load(), stats.disconnections.Load())
		case <-deadline:
			break loop
		case <-sigChan:
			break loop
		}
	}

	close(stop)
	wg.Wait()

	elapsed := time.Since(start)
	sent := stats.sent.Load()
	fmt.Printf("\n--- %s of load ---\n", elapsed.Round(time.Second))
	fmt.Printf("Sent:              %d (%.1f msg/s)\n", sent, float64(sent)/elapsed.Seconds())
	fmt.Printf("Send failures:     %d\n", stats.sendFailures.Load())
	fmt.Printf("Received:          %d\n", stats.received.Load())
	fmt.Printf("Connection errors: %d\n", stats.connectionErrors.Load())
	fmt.Printf("Disconnections:    %d\n", stats.disconnections.Load())
}
