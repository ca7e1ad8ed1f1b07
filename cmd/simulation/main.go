package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders     = 15
	maxOrders     = 100
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	streamTimeout = 60 * time.Second
)

var tokenPairs = [][2]string{
	{"SOL", "USDC"},
	{"SOL", "USDT"},
	{"USDC", "BONK"},
	{"SOL", "JUP"},
	{"USDT", "WIF"},
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP and websocket communication with the engine
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu        sync.Mutex
	stats     map[string]*routeStats
	terminals map[string]int
}

// newSimulationClient creates and initializes a new simulation client
func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: map[string]*routeStats{
			"execute": {name: "Submit Order"},
			"get":     {name: "Get Order"},
			"stream":  {name: "Stream To Terminal"},
		},
		terminals: make(map[string]int),
	}
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(d)
	if failed {
		rs.failures++
	}
}

// submitOrder posts a randomized market order and returns its id and stream URL.
func (sc *simulationClient) submitOrder() (orderID, streamURL string, err error) {
	start := time.Now()
	failed := false
	defer func() {
		sc.record("execute", time.Since(start), failed)
	}()

	pair := tokenPairs[rand.Intn(len(tokenPairs))]
	payload := map[string]interface{}{
		"orderType": "market",
		"tokenIn":   pair[0],
		"tokenOut":  pair[1],
		"amountIn":  1 + rand.Float64()*99,
		"slippage":  0.01,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		failed = true
		return "", "", err
	}

	resp, err := sc.client.Post(sc.baseURL+"/api/orders/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		failed = true
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		failed = true
		data, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		OrderID      string `json:"orderId"`
		WebsocketURL string `json:"websocketUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		failed = true
		return "", "", err
	}

	return result.OrderID, result.WebsocketURL, nil
}

// followStream connects to the order's stream and waits for a terminal frame.
func (sc *simulationClient) followStream(orderID, streamURL string) error {
	start := time.Now()
	failed := false
	defer func() {
		sc.record("stream", time.Since(start), failed)
	}()

	wsURL := "ws" + strings.TrimPrefix(sc.baseURL, "http") + streamURL
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		failed = true
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(streamTimeout))

	for {
		var frame struct {
			OrderID string `json:"orderId"`
			Status  string `json:"status"`
			Error   string `json:"error"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			failed = true
			return fmt.Errorf("stream read for %s: %w", orderID, err)
		}

		if frame.Error != "" {
			failed = true
			return fmt.Errorf("stream error for %s: %s", orderID, frame.Error)
		}

		if frame.Status == "confirmed" || frame.Status == "failed" {
			sc.mu.Lock()
			sc.terminals[frame.Status]++
			sc.mu.Unlock()
			return nil
		}
	}
}

// getOrder fetches the persisted order after its stream completed.
func (sc *simulationClient) getOrder(orderID string) error {
	start := time.Now()
	failed := false
	defer func() {
		sc.record("get", time.Since(start), failed)
	}()

	resp, err := sc.client.Get(sc.baseURL + "/api/orders/" + orderID)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		failed = true
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// runOrder drives one order end to end: submit, stream to terminal, read back.
func (sc *simulationClient) runOrder() {
	orderID, streamURL, err := sc.submitOrder()
	if err != nil {
		log.Error().Err(err).Msg("order submission failed")
		return
	}

	log.Info().Str("order_id", orderID).Msg("order submitted")

	if err := sc.followStream(orderID, streamURL); err != nil {
		log.Error().Err(err).Msg("stream failed")
		return
	}

	if err := sc.getOrder(orderID); err != nil {
		log.Error().Err(err).Msg("order readback failed")
	}
}

// printStats renders the latency summary for every route.
func (sc *simulationClient) printStats() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	fmt.Println("\n=== Simulation Results ===")
	for _, rs := range sc.stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("\n%s (%d calls, %d failures)\n", rs.name, rs.totalCalls, rs.failures)
		fmt.Printf("  min=%v max=%v mean=%v median=%v p95=%v p99=%v\n", min, max, mean, median, p95, p99)
	}

	fmt.Println("\nTerminal states:")
	for status, count := range sc.terminals {
		fmt.Printf("  %s: %d\n", status, count)
	}
}

func main() {
	sc := newSimulationClient()

	totalOrders := minOrders + rand.Intn(maxOrders-minOrders+1)
	log.Info().Int("orders", totalOrders).Int("workers", numWorkers).Msg("starting simulation")

	jobs := make(chan int, totalOrders)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				sc.runOrder()
			}
		}()
	}

	for i := 0; i < totalOrders; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	sc.printStats()
}
