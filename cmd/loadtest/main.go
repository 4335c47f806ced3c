package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/olekukonko/tablewriter"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum))

// generateUsername combines fragments of two random words; id keeps it unique
func generateUsername(id int) string {
	word1 := loremWords[rand.Intn(len(loremWords))]
	word2 := loremWords[rand.Intn(len(loremWords))]
	frag1 := word1[:min(len(word1), 3+rand.Intn(4))]
	frag2 := word2[:min(len(word2), 3+rand.Intn(4))]
	return fmt.Sprintf("%s%s%d", strings.ToLower(frag1), strings.ToLower(frag2), id)
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64
	exitsReceived     atomic.Int64

	// Detailed failure tracking
	postFailures   atomic.Int64
	queryFailures  atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Connect phase failure breakdown
	connectConnectFailed  atomic.Int64
	connectRegisterFailed atomic.Int64
	connectJoinTimeout    atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordPostFailure() {
	s.messagesFailed.Add(1)
	s.postFailures.Add(1)
}

func (s *Stats) recordQueryFailure() {
	s.queryFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id    int
	name  string
	conn  *client.LoadTestConnection
	stats *Stats
}

func NewBotClient(id int, serverAddr string, stats *Stats) *BotClient {
	return &BotClient{
		id:    id,
		name:  generateUsername(id),
		conn:  client.NewLoadTestConnection(serverAddr),
		stats: stats,
	}
}

// Connect dials, registers and waits for our own join notice
func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		bc.stats.connectConnectFailed.Add(1)
		return fmt.Errorf("conn.Connect: %w", err)
	}

	if err := bc.conn.Send(protocol.Register{Name: bc.name}); err != nil {
		bc.stats.connectRegisterFailed.Add(1)
		return fmt.Errorf("send register: %w", err)
	}

	joined := bc.name + " join the chat"
	_, err := bc.conn.ReceiveUntil(5*time.Second, func(r protocol.ServerReply) bool {
		sys, ok := r.(protocol.System)
		return ok && sys.Content == joined
	})
	if err != nil {
		bc.stats.connectJoinTimeout.Add(1)
		return fmt.Errorf("wait for join notice: %w", err)
	}

	debugLogger.Printf("[Bot %d] registered as %s", bc.id, bc.name)
	return nil
}

// PostRandomMessage broadcasts a line and waits for its echo
func (bc *BotClient) PostRandomMessage() error {
	// Generate random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	content := strings.Join(words, " ")

	start := time.Now()
	if err := bc.conn.Send(protocol.Broadcast{From: bc.name, Content: content}); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	_, err := bc.conn.ReceiveUntil(10*time.Second, func(r protocol.ServerReply) bool {
		if _, ok := r.(protocol.Exit); ok {
			bc.stats.exitsReceived.Add(1)
			return true
		}
		msg, ok := r.(protocol.BroadcastMessage)
		return ok && msg.From == bc.name && msg.Content == content
	})
	if err != nil {
		if strings.Contains(err.Error(), "timed out") {
			bc.stats.recordTimeout()
		} else {
			bc.stats.recordPostFailure()
		}
		return fmt.Errorf("wait for echo: %w", err)
	}

	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

// QueryUsers asks for the user list and waits for the answer
func (bc *BotClient) QueryUsers() error {
	if err := bc.conn.Send(protocol.Command{From: bc.name, Command: "/users"}); err != nil {
		bc.stats.recordQueryFailure()
		return err
	}

	reply, err := bc.conn.ReceiveUntil(5*time.Second, func(r protocol.ServerReply) bool {
		return r.Recipient() == bc.name
	})
	if err != nil {
		bc.stats.recordQueryFailure()
		return fmt.Errorf("wait for user list: %w", err)
	}

	if list, ok := reply.(protocol.UserList); ok {
		debugLogger.Printf("[Bot %d] %d users online", bc.id, len(list.Names))
	}
	return nil
}

func (bc *BotClient) Run(duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration, stop <-chan struct{}) {
	defer bc.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		select {
		case <-stop:
			return
		default:
		}
		iteration++

		if err := bc.PostRandomMessage(); err != nil {
			debugLogger.Printf("[Bot %d] post failed: %v", bc.id, err)
		}

		// Ask for the user list every 3 iterations
		if iteration%3 == 0 {
			if err := bc.QueryUsers(); err != nil {
				debugLogger.Printf("[Bot %d] /users failed: %v", bc.id, err)
			}
		}

		// Random delay between posts
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}
}

var debugLogger = log.New(io.Discard, "", 0)

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Configure standard log to write to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	// Configure debug logger to write only to debug file
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8080", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	// Initialize logging to both stdout and file
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(max(1, *numClients))
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Handle graceful shutdown
	stop := make(chan struct{})
	var stopOnce sync.Once
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stop) })
	}()

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(posted) / elapsed
				avgMs := avgUs / 1000.0
				load := getCPULoad()
				goroutines := runtime.NumGoroutine()

				log.Printf("Stats: %d posted (%.1f/s), %d failed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					posted, rate, failed, connErrors, avgMs, load, goroutines)
			case <-stopStats:
				return
			}
		}
	}()

	var firstConnect, lastConnect atomic.Value

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		select {
		case <-stop:
			break spawn
		default:
		}
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, *serverAddr, stats)
			if err := bot.Connect(); err != nil {
				stats.recordConnectionError()
				debugLogger.Printf("[Bot %d] connect failed: %v", id, err)
				bot.conn.Close()
				return
			}

			// Record successful client connection
			stats.successfulClients.Add(1)
			now := time.Now()
			firstConnect.CompareAndSwap(nil, now)
			lastConnect.Store(now)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.name)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		time.Sleep(staggerDelay)
	}

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)

	if first, ok := firstConnect.Load().(time.Time); ok {
		last := lastConnect.Load().(time.Time)
		log.Printf("\nRamp-up: expected %v, took %v", rampUpDuration.Round(time.Second), last.Sub(first).Round(time.Second))
	}

	// Final stats
	posted, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	rate := float64(posted) / duration.Seconds()

	log.Printf("\n=== Final Results ===")
	table := tablewriter.NewWriter(log.Writer())
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"Clients", fmt.Sprintf("%d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(max(1, *numClients))*100)})
	table.Append([]string{"Duration", duration.String()})
	table.Append([]string{"Messages posted", fmt.Sprintf("%d (%.1f/s)", posted, rate)})
	table.Append([]string{"Messages failed", strconv.FormatInt(failed, 10)})
	table.Append([]string{"  Post failures", strconv.FormatInt(stats.postFailures.Load(), 10)})
	table.Append([]string{"  /users failures", strconv.FormatInt(stats.queryFailures.Load(), 10)})
	table.Append([]string{"  Timeouts", strconv.FormatInt(stats.timeouts.Load(), 10)})
	table.Append([]string{"  Disconnections", strconv.FormatInt(stats.disconnections.Load(), 10)})
	table.Append([]string{"Connection errors", strconv.FormatInt(connErrors, 10)})
	if connErrors > 0 {
		table.Append([]string{"  Dial failed", strconv.FormatInt(stats.connectConnectFailed.Load(), 10)})
		table.Append([]string{"  Register failed", strconv.FormatInt(stats.connectRegisterFailed.Load(), 10)})
		table.Append([]string{"  Join notice timeout", strconv.FormatInt(stats.connectJoinTimeout.Load(), 10)})
	}
	if exits := stats.exitsReceived.Load(); exits > 0 {
		table.Append([]string{"Exit notices", strconv.FormatInt(exits, 10)})
	}
	table.Append([]string{"Average round trip", fmt.Sprintf("%.2fms", avgUs/1000.0)})
	if posted > 0 {
		successRate := float64(posted) / float64(posted+failed) * 100
		table.Append([]string{"Success rate", fmt.Sprintf("%.1f%%", successRate)})
	}
	table.Render()
}
