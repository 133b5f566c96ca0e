// Package collector owns the upstream side of the gateway: one
// collector per circuit dials the vendor's timing websocket, keeps the
// link alive with heartbeat pings, reconnects with exponential backoff,
// and pushes every decoded frame through the circuit's session into the
// fan-out manager.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"go.uber.org/zap"

	"kartgate/models"
	"kartgate/session"
)

const (
	writeWait = 10 * time.Second

	// persistWait bounds the fire-and-forget mapping writes; a slow
	// store never stalls the frame pipeline.
	persistWait = 5 * time.Second
)

// Status is the collector lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusBackoff    Status = "backoff"
	StatusStopped    Status = "stopped"
)

// Config holds the reconnect and heartbeat tuning.
type Config struct {
	HeartbeatInterval time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxAttempts       uint64
}

// DefaultConfig mirrors the vendor feed's tolerances.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		BackoffInitial:    5 * time.Second,
		BackoffMax:        60 * time.Second,
		MaxAttempts:       10,
	}
}

// Broadcaster is the downstream sink a collector feeds.
type Broadcaster interface {
	Broadcast(circuitID string, payload *models.DataPayload)
	SendStatus(circuitID string, st models.CircuitStatus)
	SendError(circuitID string, msg string)
}

// MappingStore persists inferred mappings and configuration flags.
type MappingStore interface {
	WriteMapping(ctx context.Context, circuitID string, m models.Mapping) error
	WriteNeedsConfiguration(ctx context.Context, circuitID string) error
}

// Decoder turns one raw frame into a decoded one.
type Decoder interface {
	Decode(frame string) models.DecodedFrame
}

// Conn is the slice of *websocket.Conn the read loop needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// DialFunc opens the upstream connection. Tests inject fakes.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Collector runs the upstream lifecycle for one circuit.
type Collector struct {
	circuitID string
	url       string

	decoder Decoder
	session *session.Session
	sink    Broadcaster
	store   MappingStore
	dial    DialFunc
	cfg     Config
	log     *zap.Logger

	mu          sync.Mutex
	status      Status
	lastError   string
	attempts    int
	connectedAt time.Time
	lastMessage time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a collector. A nil dial uses the gorilla dialer; a nil
// store disables persistence.
func New(circuitID, url string, dec Decoder, sess *session.Session,
	sink Broadcaster, store MappingStore, dial DialFunc, cfg Config, log *zap.Logger) *Collector {
	if dial == nil {
		dial = gorillaDial
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		circuitID: circuitID,
		url:       url,
		decoder:   dec,
		session:   sess,
		sink:      sink,
		store:     store,
		dial:      dial,
		cfg:       cfg,
		status:    StatusIdle,
		log:       log.Named("collector").With(zap.String("circuit", circuitID)),
	}
}

// Start launches the collector goroutine. Starting a running collector
// is an error.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("collector for %s already running", c.circuitID)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status = StatusConnecting
	go c.run(ctx)
	return nil
}

// Stop cancels the collector and waits for its goroutine to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.mu.Lock()
	c.cancel = nil
	c.status = StatusStopped
	c.mu.Unlock()
}

// Status returns the lifecycle state.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Info describes the collector for the control surface.
type Info struct {
	CircuitID    string `json:"circuit_id"`
	URL          string `json:"url"`
	Status       Status `json:"status"`
	Connected    bool   `json:"connected"`
	Attempts     int    `json:"attempts"`
	MessageCount int    `json:"message_count"`
	LastError    string `json:"last_error,omitempty"`
	ConnectedAt  string `json:"connected_at,omitempty"`
	LastMessage  string `json:"last_message,omitempty"`
}

// Info returns a status snapshot.
func (c *Collector) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		CircuitID:    c.circuitID,
		URL:          c.url,
		Status:       c.status,
		Connected:    c.status == StatusStreaming,
		Attempts:     c.attempts,
		MessageCount: c.session.MessageCount(),
		LastError:    c.lastError,
	}
	if !c.connectedAt.IsZero() {
		info.ConnectedAt = c.connectedAt.UTC().Format(time.RFC3339)
	}
	if !c.lastMessage.IsZero() {
		info.LastMessage = c.lastMessage.UTC().Format(time.RFC3339)
	}
	return info
}

func (c *Collector) setStatus(s Status, lastErr string) {
	c.mu.Lock()
	c.status = s
	if lastErr != "" {
		c.lastError = lastErr
	}
	if s == StatusStreaming {
		c.connectedAt = time.Now()
	}
	c.mu.Unlock()
}

// run is the connect/stream/backoff loop. It exits when the context is
// cancelled or the reconnect budget is exhausted.
func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.BackoffInitial
	expo.Multiplier = 2
	expo.MaxInterval = c.cfg.BackoffMax
	expo.MaxElapsedTime = 0
	expo.RandomizationFactor = 0
	policy := backoff.WithMaxRetries(expo, c.cfg.MaxAttempts)
	policy.Reset()

	for {
		var conn Conn
		dialOp := func() error {
			c.setStatus(StatusConnecting, "")
			cn, err := c.dial(ctx, c.url)
			if err != nil {
				c.mu.Lock()
				c.attempts++
				c.mu.Unlock()
				c.setStatus(StatusBackoff, err.Error())
				c.log.Warn("upstream dial failed", zap.Error(err))
				return err
			}
			conn = cn
			return nil
		}

		if err := backoff.Retry(dialOp, backoff.WithContext(policy, ctx)); err != nil {
			if ctx.Err() == nil {
				c.log.Error("reconnect budget exhausted", zap.Error(err))
				c.sink.SendError(c.circuitID, "timing connection lost: "+err.Error())
			}
			c.setStatus(StatusStopped, "")
			c.sendConnStatus(false, "timing disconnected")
			return
		}
		policy.Reset()

		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.setStatus(StatusStreaming, "")
		c.log.Info("upstream connected", zap.String("url", c.url))
		c.sendConnStatus(true, "timing connected")

		err := c.stream(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			c.setStatus(StatusStopped, "")
			c.sendConnStatus(false, "timing disconnected")
			return
		}

		c.log.Warn("upstream stream ended", zap.Error(err))
		c.setStatus(StatusBackoff, err.Error())
		c.sendConnStatus(false, "timing disconnected")

		// The first redial after a drop waits the initial interval;
		// re-entering Retry directly would dial at once.
		next := policy.NextBackOff()
		if next == backoff.Stop {
			c.log.Error("reconnect budget exhausted", zap.Error(err))
			c.sink.SendError(c.circuitID, "timing connection lost: "+err.Error())
			c.setStatus(StatusStopped, "")
			return
		}
		select {
		case <-ctx.Done():
			c.setStatus(StatusStopped, "")
			return
		case <-time.After(next):
		}
	}
}

func (c *Collector) sendConnStatus(connected bool, msg string) {
	c.sink.SendStatus(c.circuitID, models.CircuitStatus{
		TimingConnected: connected,
		Message:         msg,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}

// stream reads frames until the connection or the context dies. A
// heartbeat goroutine pings the upstream on the configured interval; on
// ping failure or cancellation it closes the connection, which unblocks
// the reader.
func (c *Collector) stream(ctx context.Context, conn Conn) error {
	hbDone := make(chan struct{})
	defer close(hbDone)

	go func() {
		ticker := channerics.NewTicker(hbDone, c.cfg.HeartbeatInterval)
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-hbDone:
				return
			case <-ticker:
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				if err != nil {
					c.log.Warn("heartbeat ping failed", zap.Error(err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(string(data))
	}
}

// handleFrame runs the decode → session → fan-out pipeline for one
// frame, in arrival order on the read goroutine.
func (c *Collector) handleFrame(raw string) {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()

	frame := c.decoder.Decode(raw)
	out := c.session.Apply(frame)

	switch out.Persist {
	case session.PersistMapping:
		c.persist(func(ctx context.Context) error {
			return c.store.WriteMapping(ctx, c.circuitID, out.Mapping)
		})
	case session.PersistNeedsConfiguration:
		c.persist(func(ctx context.Context) error {
			return c.store.WriteNeedsConfiguration(ctx, c.circuitID)
		})
	}

	if !out.Changed {
		return
	}
	c.sink.Broadcast(c.circuitID, &models.DataPayload{
		Type:         models.TypeKartingData,
		CircuitID:    c.circuitID,
		Drivers:      out.Drivers,
		ColumnOrder:  out.ColumnOrder,
		MessageCount: out.MessageCount,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

// persist runs a store write off the read goroutine. Failures are
// logged and dropped; persistence never fails a frame.
func (c *Collector) persist(fn func(ctx context.Context) error) {
	if c.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistWait)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Warn("mapping persistence failed", zap.Error(err))
		}
	}()
}
