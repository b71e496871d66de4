// Package feed streams ticks from a websocket endpoint.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"candle-cache/internal/domain"
	"candle-cache/internal/logger"
	"candle-cache/internal/observability"
)

// Config configures the feed client.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:port/ticks.
	URL string
	// EntityRefs are sent in the subscribe frame on every connect.
	EntityRefs []string
	// Buffer is the capacity of the tick channel.
	Buffer int
	// ReconnectMin is the first delay before redialing.
	ReconnectMin time.Duration
	// ReconnectMax caps the delay between redials.
	ReconnectMax time.Duration
	// ReadTimeout closes a connection that stays silent this long.
	ReadTimeout time.Duration
	// WriteTimeout bounds subscribe and ping writes.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns default feed settings without URL or refs.
func DefaultConfig() Config {
	return Config{
		Buffer:           1024,
		ReconnectMin:     500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Buffer <= 0 {
		c.Buffer = def.Buffer
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = def.ReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = def.ReconnectMax
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
}

// Client reads tick frames and reconnects with exponential backoff.
type Client struct {
	cfg     Config
	log     *logger.Logger
	metrics *observability.Metrics
	dialer  websocket.Dialer
}

// NewClient validates cfg and returns a client. metrics may be nil.
func NewClient(cfg Config, log *logger.Logger, metrics *observability.Metrics) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: url is required")
	}
	if len(cfg.EntityRefs) == 0 {
		return nil, errors.New("feed: at least one entity ref is required")
	}
	cfg.applyDefaults()

	return &Client{
		cfg:     cfg,
		log:     log.Named("feed"),
		metrics: metrics,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

// Stream starts reading in the background. The channel is closed once ctx
// is cancelled and the current connection has shut down.
func (c *Client) Stream(ctx context.Context) <-chan domain.Tick {
	out := make(chan domain.Tick, c.cfg.Buffer)
	go c.run(ctx, out)
	return out
}

func (c *Client) run(ctx context.Context, out chan<- domain.Tick) {
	defer close(out)

	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			// Dial retries forever, so only cancellation gets here.
			return
		}
		c.log.Info("connected", zap.String("url", c.cfg.URL), zap.Strings("refs", c.cfg.EntityRefs))

		err = c.consume(ctx, conn, out)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("connection lost, reconnecting", zap.Error(err))
		if c.metrics != nil {
			c.metrics.FeedReconnects.Inc()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		ctxTry, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()

		cn, _, err := c.dialer.DialContext(ctxTry, c.cfg.URL, nil)
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", next))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// consume subscribes and forwards ticks until the connection fails or ctx ends.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn, out chan<- domain.Tick) error {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(connCtx, conn)
	}()
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(subscribeFrame{Op: "subscribe", Refs: c.cfg.EntityRefs}); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		tick, err := ParseFrame(data)
		if err != nil {
			c.log.Debug("dropping frame", zap.Error(err), zap.ByteString("frame", data))
			if c.metrics != nil {
				c.metrics.FeedFramesDropped.Inc()
			}
			continue
		}

		// Parsed ticks are never dropped.
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepalive pings on a third of the read timeout and closes conn when ctx ends,
// which unblocks the reader.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.ReadTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
			}
		}
	}
}
