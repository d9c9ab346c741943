package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Transport defaults per the feed contract: the server pings every 10 s and
// drops the connection if the client is silent past 40 s.
const (
	DefaultReadIdleTimeout   = 40 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultReconnectAttempts = 5

	// pacing between chunked subscription messages
	subscribeInterval = 250 * time.Millisecond
)

// WSConfig configures the tick-feed transport. SubscribeMessages are sent
// verbatim as text frames after each (re)connect, in order.
type WSConfig struct {
	URL               string
	SubscribeMessages [][]byte

	ReadIdleTimeout   time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int
}

// WSClient is the persistent WebSocket transport. It reads binary frames in
// a loop and delivers them on a bounded channel; a full channel pauses
// reads, which is the pipeline's back-pressure.
type WSClient struct {
	cfg WSConfig

	// Hooks for metrics; may be nil.
	OnConnect   func()
	OnReconnect func()
	OnFrameRead func()
}

// NewWSClient validates the config and applies defaults.
func NewWSClient(cfg WSConfig) (*WSClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ingest: ws url required")
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	return &WSClient{cfg: cfg}, nil
}

// Run connects, subscribes and streams frames into framesCh until ctx is
// cancelled or the reconnect budget is exhausted. Each reconnect resends
// the stored subscriptions.
func (c *WSClient) Run(ctx context.Context, framesCh chan<- []byte) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.session(ctx, framesCh)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts > c.cfg.ReconnectAttempts {
			return fmt.Errorf("ingest: ws gave up after %d attempts: %w", attempts-1, err)
		}
		log.Printf("[ws] session ended: %v — reconnect %d/%d in %s",
			err, attempts, c.cfg.ReconnectAttempts, c.cfg.ReconnectDelay)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// session runs one connect→subscribe→read cycle. A nil return means ctx
// ended; any other return is a transport error worth a reconnect.
func (c *WSClient) session(ctx context.Context, framesCh chan<- []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	log.Printf("[ws] connected")
	if c.OnConnect != nil {
		c.OnConnect()
	}

	// Server pings every ~10 s; every ping (or data frame) extends the
	// read deadline. Gorilla replies to pings through the handler.
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	if err := c.subscribe(ctx, conn); err != nil {
		return err
	}

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))

		if mt != websocket.BinaryMessage {
			// Text frames carry subscription acks; log and move on.
			log.Printf("[ws] text message: %.120s", string(msg))
			continue
		}
		if c.OnFrameRead != nil {
			c.OnFrameRead()
		}

		// Blocking send: a slow downstream pauses reads here.
		select {
		case framesCh <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// subscribe sends the chunked subscription messages, paced so a large
// instrument set does not trip server-side rate limits.
func (c *WSClient) subscribe(ctx context.Context, conn *websocket.Conn) error {
	limiter := rate.NewLimiter(rate.Every(subscribeInterval), 1)
	for i, msg := range c.cfg.SubscribeMessages {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("subscribe chunk %d: %w", i, err)
		}
		log.Printf("[ws] subscription %d/%d sent", i+1, len(c.cfg.SubscribeMessages))
	}
	return nil
}
