package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/customsportal/portal/internal/gateway/jwt"
	"github.com/customsportal/portal/internal/gateway/websocket"
	"github.com/customsportal/portal/internal/presence"
)

// Config load test configuration
type Config struct {
	URL           string
	Secret        string
	Issuer        string
	Clients       int
	ObserverEvery int // every Nth client connects as an admin; 0 disables
	Duration      time.Duration
	Interval      time.Duration // heartbeat period
	ConnectRate   int           // connects per second
}

// Result aggregated outcome of a run
type Result struct {
	Connected     int64
	ConnectFailed int64
	Sent          int64
	Errors        int64
	TotalDuration time.Duration
	Events        map[string]int64
	AckLatency    []time.Duration

	mu sync.Mutex
}

// Percentile returns the p-th percentile (0-100) of the heartbeat ack latency
func (r *Result) Percentile(p float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.AckLatency) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(r.AckLatency))
	copy(sorted, r.AckLatency)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

func (r *Result) recordEvent(t websocket.MessageType) {
	r.mu.Lock()
	r.Events[string(t)]++
	r.mu.Unlock()
}

func (r *Result) recordAck(latency time.Duration) {
	r.mu.Lock()
	r.AckLatency = append(r.AckLatency, latency)
	r.mu.Unlock()
}

// LoadTest opens many presence connections and drives heartbeats and
// navigation over them
type LoadTest struct {
	config  *Config
	tokens  *jwt.JWTManager
	limiter *rate.Limiter
	logger  *zap.Logger
	result  *Result
}

// NewLoadTest creates a load test
func NewLoadTest(config *Config, logger *zap.Logger) *LoadTest {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnectRate <= 0 {
		config.ConnectRate = 50
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}

	return &LoadTest{
		config:  config,
		tokens:  jwt.NewJWTManager(config.Secret, int64((config.Duration + time.Hour).Seconds()), config.Issuer),
		limiter: rate.NewLimiter(rate.Limit(config.ConnectRate), 1),
		logger:  logger,
		result:  &Result{Events: make(map[string]int64)},
	}
}

// Run drives every client until Duration elapses or ctx is cancelled
func (lt *LoadTest) Run(ctx context.Context) *Result {
	lt.logger.Info("Starting presence load test",
		zap.String("url", lt.config.URL),
		zap.Int("clients", lt.config.Clients),
		zap.Duration("duration", lt.config.Duration),
	)

	ctx, cancel := context.WithTimeout(ctx, lt.config.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < lt.config.Clients; i++ {
		if err := lt.limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lt.client(ctx, n)
		}(i)
	}

	wg.Wait()
	lt.result.TotalDuration = time.Since(start)
	return lt.result
}

func (lt *LoadTest) client(ctx context.Context, n int) {
	role := "agent"
	if lt.config.ObserverEvery > 0 && n%lt.config.ObserverEvery == 0 {
		role = "admin"
	}
	userID := fmt.Sprintf("load-user-%d", n)

	token, err := lt.tokens.GenerateToken(jwt.Identity{UserID: userID, Name: userID, Role: role})
	if err != nil {
		atomic.AddInt64(&lt.result.ConnectFailed, 1)
		return
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := gws.DefaultDialer.DialContext(ctx, lt.config.URL, header)
	if err != nil {
		atomic.AddInt64(&lt.result.ConnectFailed, 1)
		lt.logger.Debug("Dial failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()
	atomic.AddInt64(&lt.result.Connected, 1)

	// one heartbeat in flight at a time; sentAt is its send time in ns
	var sentAt atomic.Int64
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := websocket.FromJSON(data)
			if err != nil {
				continue
			}
			lt.result.recordEvent(msg.Type)
			switch msg.Type {
			case presence.EventHeartbeatAck:
				if ts := sentAt.Swap(0); ts != 0 {
					lt.result.recordAck(time.Since(time.Unix(0, ts)))
				}
			case websocket.MessageTypeError:
				atomic.AddInt64(&lt.result.Errors, 1)
			}
		}
	}()

	ticker := time.NewTicker(lt.config.Interval)
	defer ticker.Stop()

	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			conn.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			return
		case <-done:
			return
		case <-ticker.C:
			var msg *websocket.Message
			switch {
			case role == "admin" && tick%5 == 4:
				msg = websocket.NewMessage(presence.EventGetOnlineUsers, nil)
			case tick%2 == 0:
				sentAt.CompareAndSwap(0, time.Now().UnixNano())
				msg = websocket.NewMessage(presence.EventHeartbeat, nil)
			default:
				msg = websocket.NewMessage(presence.EventPageChange, map[string]string{
					"page":  fmt.Sprintf("/declarations/%d", tick),
					"title": "Declaration",
				})
			}

			data, err := msg.ToJSON()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(gws.TextMessage, data); err != nil {
				return
			}
			atomic.AddInt64(&lt.result.Sent, 1)
		}
	}
}

// Report renders the result as text
func (r *Result) Report(config *Config) string {
	var b strings.Builder
	line := strings.Repeat("=", 60)

	fmt.Fprintln(&b, line)
	fmt.Fprintln(&b, "Presence Load Test Results")
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "Target:           %s\n", config.URL)
	fmt.Fprintf(&b, "Clients:          %d\n", config.Clients)
	fmt.Fprintf(&b, "Duration:         %v\n", r.TotalDuration)
	fmt.Fprintf(&b, "Connected:        %d\n", r.Connected)
	fmt.Fprintf(&b, "Connect failed:   %d\n", r.ConnectFailed)
	fmt.Fprintf(&b, "Messages sent:    %d\n", r.Sent)
	fmt.Fprintf(&b, "Error events:     %d\n", r.Errors)
	fmt.Fprintln(&b, strings.Repeat("-", 60))
	fmt.Fprintf(&b, "Ack P50:          %v\n", r.Percentile(50))
	fmt.Fprintf(&b, "Ack P95:          %v\n", r.Percentile(95))
	fmt.Fprintf(&b, "Ack P99:          %v\n", r.Percentile(99))
	fmt.Fprintln(&b, strings.Repeat("-", 60))
	fmt.Fprintln(&b, "Events received:")

	r.mu.Lock()
	types := make([]string, 0, len(r.Events))
	for t := range r.Events {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "  %-22s %d\n", t, r.Events[t])
	}
	r.mu.Unlock()

	fmt.Fprintln(&b, line)
	return b.String()
}
