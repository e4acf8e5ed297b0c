package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ksred/klear-ephemeral/internal/app"
	"github.com/ksred/klear-ephemeral/internal/config"
	"github.com/ksred/klear-ephemeral/internal/delegation"
	"github.com/ksred/klear-ephemeral/internal/ledger"
	"github.com/ksred/klear-ephemeral/internal/matching"
	"github.com/ksred/klear-ephemeral/internal/oracle"
	"github.com/ksred/klear-ephemeral/internal/orderbook"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	baseAsset  types.Asset = "SOL"
	quoteAsset types.Asset = "USDC"

	makerFunding = 100_000
	takerFunding = 100_000_000

	operatorKey    = "sim-operator"
	operatorSecret = "sim-operator-secret"
)

var errBusy = errors.New("record busy")

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
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

// simulationClient handles HTTP communication with the API. Tokens are kept
// per principal; stats are shared by every worker.
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	tokens map[string]string
	stats  map[string]*routeStats
}

// newSimulationClient creates a client with performance tracking for every route
func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		tokens:  make(map[string]string),
		stats: map[string]*routeStats{
			"auth":       {name: "Authentication"},
			"market":     {name: "Initialize Market"},
			"trader":     {name: "Create Trader"},
			"deposit":    {name: "Deposit"},
			"withdraw":   {name: "Withdraw"},
			"order":      {name: "Create Order"},
			"match":      {name: "Match Order"},
			"holdings":   {name: "Get Trader"},
			"delegate":   {name: "Delegate"},
			"undelegate": {name: "Undelegate"},
		},
	}
}

func (sc *simulationClient) record(stat string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[stat]
	rs.addDuration(d)
	if failed {
		rs.failures++
	}
}

// call sends one request as principal and decodes the data of the response
// envelope into out
func (sc *simulationClient) call(stat, principal, method, path string, headers map[string]string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		sc.record(stat, time.Since(start), err != nil)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		sc.mu.Lock()
		token := sc.tokens[principal]
		sc.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode == http.StatusConflict && envelope.Error != nil {
		return fmt.Errorf("%w: %s", errBusy, envelope.Error.Message)
	}
	if !envelope.Success || resp.StatusCode >= 300 {
		if envelope.Error != nil {
			return fmt.Errorf("%s %s failed with status %d: %s: %s", method, path, resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// authenticate obtains a JWT for principal
func (sc *simulationClient) authenticate(apiKey, apiSecret string) error {
	var token struct {
		Token string `json:"jwt_token"`
	}
	err := sc.call("auth", "", http.MethodPost, "/api/v1/auth/token", nil,
		map[string]string{"api_key": apiKey, "api_secret": apiSecret}, &token)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	sc.tokens[apiKey] = token.Token
	sc.mu.Unlock()
	return nil
}

func marketPath(c types.Context, marketID string) string {
	return fmt.Sprintf("/api/v1/%s/markets/%s", c, marketID)
}

func (sc *simulationClient) initializeMarket(principal, marketID string) error {
	return sc.call("market", principal, http.MethodPost, "/api/v1/durable/markets", nil,
		orderbook.InitializeMarket{MarketID: marketID, BaseAsset: baseAsset, QuoteAsset: quoteAsset}, nil)
}

func (sc *simulationClient) createTrader(principal, marketID string) error {
	return sc.call("trader", principal, http.MethodPost, marketPath(types.Durable, marketID)+"/traders", nil, nil, nil)
}

func (sc *simulationClient) changeBalance(stat string, c types.Context, principal, marketID string, asset types.Asset, amount uint64) (*ledger.TraderView, error) {
	var view ledger.TraderView
	err := sc.call(stat, principal, http.MethodPost, marketPath(c, marketID)+"/"+stat,
		map[string]string{"Idempotency-Key": uuid.New().String()},
		map[string]any{"asset": asset, "amount": amount}, &view)
	return &view, err
}

func (sc *simulationClient) holdings(c types.Context, principal, marketID string) (*ledger.TraderView, error) {
	var view ledger.TraderView
	err := sc.call("holdings", principal, http.MethodGet, marketPath(c, marketID)+"/traders/me", nil, nil, &view)
	return &view, err
}

func (sc *simulationClient) createOrder(principal, marketID string, side types.Side, price, qty uint64) (*types.Order, error) {
	var order types.Order
	err := sc.call("order", principal, http.MethodPost, marketPath(types.Fast, marketID)+"/orders", nil,
		orderbook.CreateOrder{Owner: principal, Side: side, Price: price, Quantity: qty}, &order)
	return &order, err
}

func (sc *simulationClient) match(marketID string, maker, taker types.OrderRef, att oracle.Attestation) (*matching.Match, error) {
	var m matching.Match
	err := sc.call("match", operatorKey, http.MethodPost,
		fmt.Sprintf("/api/v1/internal/%s/markets/%s/match", types.Fast, marketID), nil,
		map[string]any{"maker": maker, "taker": taker, "attestation": att}, &m)
	return &m, err
}

func (sc *simulationClient) transition(stat string, ref delegation.RecordRef) error {
	return sc.call(stat, operatorKey, http.MethodPost, "/api/v1/internal/delegation/"+stat, nil, ref, nil)
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	names := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		stats := sc.stats[k]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// pair is one maker/taker couple trading against each other in the fast context
type pair struct {
	maker string
	taker string
}

// simStats collects results from every worker
type simStats struct {
	trades      atomic.Int64
	volume      atomic.Uint64
	notional    atomic.Uint64
	improvement atomic.Uint64
	busy        atomic.Int64
	failed      atomic.Int64
	feedTrades  atomic.Int64
}

// main starts an in-process server, then drives the full lifecycle over HTTP:
// markets and deposits in the durable context, delegation, trading and
// matching in the fast context, undelegation and withdrawals
func main() {
	numPairs := flag.Int("pairs", 4, "number of maker/taker pairs trading concurrently")
	rounds := flag.Int("rounds", 25, "matches attempted per pair")
	port := flag.Int("port", 8080, "port of the in-process server")
	flag.Parse()

	signer, err := oracle.GenerateSigner()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create oracle signer")
	}

	pairs := make([]pair, *numPairs)
	cfg := simulationConfig(*port, signer, pairs)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid simulation configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer server.Close()

	// Start the server in a goroutine
	go func() {
		if err := server.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	}()

	// Wait for server to start
	time.Sleep(500 * time.Millisecond)

	baseURL := fmt.Sprintf("http://localhost:%d", *port)
	sc := newSimulationClient(baseURL)
	marketID := "SOL-USDC-" + uuid.New().String()[:8]
	stats := &simStats{}
	start := time.Now()

	// Authenticate every principal
	for _, cred := range credentials(cfg) {
		if err := sc.authenticate(cred.Key, cred.Secret); err != nil {
			log.Fatal().Err(err).Str("principal", cred.Key).Msg("Failed to authenticate")
		}
	}

	feedDone := subscribeFeed(ctx, baseURL, marketID, stats)

	// Durable context: market, traders, funding
	if err := sc.initializeMarket(operatorKey, marketID); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize market")
	}
	log.Info().Str("market_id", marketID).Msg("Market initialized")

	for _, p := range pairs {
		for _, principal := range []string{p.maker, p.taker} {
			if err := sc.createTrader(principal, marketID); err != nil {
				log.Fatal().Err(err).Str("principal", principal).Msg("Failed to create trader")
			}
		}
		if _, err := sc.changeBalance("deposit", types.Durable, p.maker, marketID, baseAsset, makerFunding); err != nil {
			log.Fatal().Err(err).Str("principal", p.maker).Msg("Failed to fund maker")
		}
		if _, err := sc.changeBalance("deposit", types.Durable, p.taker, marketID, quoteAsset, takerFunding); err != nil {
			log.Fatal().Err(err).Str("principal", p.taker).Msg("Failed to fund taker")
		}
	}
	log.Info().Int("pairs", len(pairs)).Msg("Traders created and funded")

	// Hand every record to the fast context
	refs := []delegation.RecordRef{{MarketID: marketID}}
	for _, p := range pairs {
		refs = append(refs,
			delegation.RecordRef{MarketID: marketID, Principal: p.maker},
			delegation.RecordRef{MarketID: marketID, Principal: p.taker})
	}
	for _, ref := range refs {
		if err := sc.transition("delegate", ref); err != nil {
			log.Fatal().Err(err).Str("market_id", ref.MarketID).Str("principal", ref.Principal).Msg("Failed to delegate")
		}
	}
	log.Info().Int("records", len(refs)).Msg("Records delegated to the fast context")

	// Fast context: one worker per pair
	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Add(1)
		go func(workerID int, p pair) {
			defer wg.Done()
			tradePair(workerID, p, *rounds, marketID, sc, signer, stats)
		}(i, p)
	}
	wg.Wait()
	log.Info().Int64("trades", stats.trades.Load()).Msg("Fast trading finished")

	// Commit everything back to the durable context
	for _, ref := range refs {
		if err := sc.transition("undelegate", ref); err != nil {
			log.Fatal().Err(err).Str("market_id", ref.MarketID).Str("principal", ref.Principal).Msg("Failed to undelegate")
		}
	}

	// Withdraw every spendable balance and check the vault is left empty
	for _, p := range pairs {
		for _, principal := range []string{p.maker, p.taker} {
			withdrawAll(sc, principal, marketID)
		}
	}

	cancel()
	<-feedDone
	duration := time.Since(start)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 EPHEMERAL ORDER BOOK SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
📊 Trading Statistics
------------------
Pairs:              %d
Trades:             %d
Failed rounds:      %d
Busy rejections:    %d
Volume (%s):       %d
Notional (%s):    %d
Price improvement:  %d
Feed trades:        %d
Vault %s left:     %d
Vault %s left:    %d
Duration:           %v
`, len(pairs), stats.trades.Load(), stats.failed.Load(), stats.busy.Load(),
		baseAsset, stats.volume.Load(), quoteAsset, stats.notional.Load(),
		stats.improvement.Load(), stats.feedTrades.Load(),
		baseAsset, server.Vault.Held(marketID, baseAsset),
		quoteAsset, server.Vault.Held(marketID, quoteAsset),
		duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 80))

	sc.printPerformanceStats()
}

// simulationConfig builds an in-memory server configuration with one
// credential per simulated trader
func simulationConfig(port int, signer *oracle.Signer, pairs []pair) *config.Config {
	cfg := config.Defaults()
	cfg.Server.Port = port
	cfg.Database.Path = fmt.Sprintf("file:simulation_%s?mode=memory&cache=shared", uuid.New().String())
	cfg.Fast.InMemory = true
	cfg.Oracle.PublisherAddress = signer.Address().Hex()
	cfg.Custody.MinLatencyMs = 1
	cfg.Custody.MaxLatencyMs = 5

	cfg.Auth.APIKeys = nil
	for i := range pairs {
		pairs[i] = pair{maker: fmt.Sprintf("sim-maker-%d", i), taker: fmt.Sprintf("sim-taker-%d", i)}
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys,
			config.Credential{Key: pairs[i].maker, Secret: pairs[i].maker + "-secret"},
			config.Credential{Key: pairs[i].taker, Secret: pairs[i].taker + "-secret"})
	}
	cfg.Auth.Operators = []config.Credential{{Key: operatorKey, Secret: operatorSecret}}
	return &cfg
}

func credentials(cfg *config.Config) []config.Credential {
	return slices.Concat(cfg.Auth.APIKeys, cfg.Auth.Operators)
}

// tradePair runs rounds of sell/buy/match for one pair. A round that loses
// a race for a record is retried once.
func tradePair(workerID int, p pair, rounds int, marketID string, sc *simulationClient, signer *oracle.Signer, stats *simStats) {
	logger := log.With().Int("worker_id", workerID).Str("maker", p.maker).Str("taker", p.taker).Logger()

	for i := 0; i < rounds; i++ {
		price := uint64(95 + rand.Intn(10))
		bid := price + uint64(rand.Intn(4))
		qty := uint64(1 + rand.Intn(10))
		attested := price + uint64(rand.Intn(int(bid-price)+1))

		sell, err := sc.createOrder(p.maker, marketID, types.Sell, price, qty)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to place sell order")
			stats.failed.Add(1)
			continue
		}
		buy, err := sc.createOrder(p.taker, marketID, types.Buy, bid, qty)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to place buy order")
			stats.failed.Add(1)
			continue
		}

		att, err := signer.Sign(marketID, time.Now(), attested)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to sign attestation")
		}

		maker := types.OrderRef{Principal: p.maker, OrderID: sell.OrderID}
		taker := types.OrderRef{Principal: p.taker, OrderID: buy.OrderID}
		m, err := sc.match(marketID, maker, taker, att)
		if errors.Is(err, errBusy) {
			stats.busy.Add(1)
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			m, err = sc.match(marketID, maker, taker, att)
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to match orders")
			stats.failed.Add(1)
			continue
		}

		stats.trades.Add(1)
		stats.volume.Add(m.Trade.Quantity)
		stats.notional.Add(m.Trade.Price * m.Trade.Quantity)
		stats.improvement.Add((bid - m.Trade.Price) * m.Trade.Quantity)

		logger.Info().
			Str("trade_id", m.Trade.TradeID).
			Uint64("price", m.Trade.Price).
			Uint64("bid", bid).
			Uint64("attested", attested).
			Uint64("quantity", m.Trade.Quantity).
			Msg("Orders matched")

		// Random sleep between rounds
		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
	}
}

// withdrawAll empties a trader's spendable balances in the durable context
func withdrawAll(sc *simulationClient, principal, marketID string) {
	view, err := sc.holdings(types.Durable, principal, marketID)
	if err != nil {
		log.Error().Err(err).Str("principal", principal).Msg("Failed to read holdings")
		return
	}
	if !view.Balanced {
		log.Error().Str("principal", principal).Str("audit_error", view.AuditError).Msg("Trader holdings do not reconcile")
	}

	for _, leg := range []ledger.LegView{view.Base, view.Quote} {
		if leg.Spendable == 0 {
			continue
		}
		if _, err := sc.changeBalance("withdraw", types.Durable, principal, marketID, leg.Asset, leg.Spendable); err != nil {
			log.Error().Err(err).Str("principal", principal).Str("asset", string(leg.Asset)).Msg("Failed to withdraw")
			continue
		}
		log.Info().
			Str("principal", principal).
			Str("asset", string(leg.Asset)).
			Uint64("amount", leg.Spendable).
			Uint64("escrowed", leg.Escrowed).
			Msg("Withdrawn")
	}
}

// subscribeFeed counts trades pushed over the websocket feed until ctx ends
func subscribeFeed(ctx context.Context, baseURL, marketID string, stats *simStats) <-chan struct{} {
	done := make(chan struct{})
	url := strings.Replace(baseURL, "http://", "ws://", 1) + "/ws/trades?market_id=" + marketID

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to subscribe to trade feed")
		close(done)
		return done
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(done)
		for {
			var trade types.Trade
			if err := conn.ReadJSON(&trade); err != nil {
				return
			}
			stats.feedTrades.Add(1)
		}
	}()
	return done
}
