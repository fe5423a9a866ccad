package feeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/linluma/feedwatch/shared/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DialFunc opens a WebSocket to url
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// Options configures a Connection
type Options struct {
	Retry            RetryConfig
	HandshakeTimeout time.Duration

	// ConnectTimeout bounds every handshake attempt and backoff wait
	// together. Zero means no overall bound.
	ConnectTimeout time.Duration

	Logger *zerolog.Logger

	// Dial overrides the default gorilla dialer (tests)
	Dial DialFunc
}

// DefaultOptions returns production connection options
func DefaultOptions() Options {
	return Options{
		Retry:            DefaultRetryConfig(),
		HandshakeTimeout: 10 * time.Second,
	}
}

// Connection is an observation-only subscription to one upstream feed.
// It never reconnects after an established session ends.
type Connection struct {
	feed   models.Feed
	sink   EventSink
	opts   Options
	logger zerolog.Logger
	dial   DialFunc

	mutex   sync.Mutex
	conn    *websocket.Conn
	closing bool
	health  ConnectionHealth

	cancel context.CancelFunc
	done   chan struct{}
}

// Connect starts connecting to feed right away and returns the connection
// handle. Events are delivered to sink from the connection's own goroutine.
func Connect(ctx context.Context, feed models.Feed, sink EventSink, opts Options) *Connection {
	ctx, cancel := context.WithCancel(ctx)

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Connection{
		feed:   feed,
		sink:   sink,
		opts:   opts,
		logger: logger.With().Str("feed", string(feed.ID)).Logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.dial = opts.Dial
	if c.dial == nil {
		c.dial = defaultDial(opts.HandshakeTimeout)
	}

	go c.run(ctx)
	return c
}

// Feed returns the feed this connection observes
func (c *Connection) Feed() models.Feed {
	return c.feed
}

// Health returns handshake health for this feed
func (c *Connection) Health() ConnectionHealth {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.health
}

// Done is closed once the connection goroutine has exited
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close closes the socket with a normal-closure frame and waits for the
// reader to exit. No event is delivered after Close is called.
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closing {
		c.mutex.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	conn := c.conn
	c.mutex.Unlock()

	// Aborts an in-progress dial or backoff wait
	c.cancel()

	var err error
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watchdog shutting down")
		if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil {
			c.logger.Debug().Err(werr).Msg("Close frame not sent")
		}
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	<-c.done
	c.logger.Info().Msg("🔌 Feed connection closed")
	return err
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Feed reader panic recovered")
		}
	}()

	conn, err := c.connectWithRetry(ctx)
	if err != nil {
		if c.isClosing() {
			return
		}
		c.logger.Error().Err(err).Msg("❌ Feed handshake failed")
		c.sink.RecordError(c.feed.ID, err.Error())
		return
	}

	c.mutex.Lock()
	if c.closing {
		c.mutex.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.health.Connected = true
	c.mutex.Unlock()

	defer func() {
		if !c.isClosing() {
			conn.Close()
		}
	}()

	c.logger.Info().Str("url", c.feed.URL).Msg("✅ Connected to feed")
	c.sink.RecordConnected(c.feed.ID)

	if c.feed.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(c.feed.Subscribe)); err != nil {
			c.lost(fmt.Errorf("failed to send subscription message: %w", err))
			return
		}
		c.logger.Debug().Msg("Subscription message sent")
	}

	c.readMessages(conn)
}

// connectWithRetry implements exponential backoff for the handshake only
func (c *Connection) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	retry := c.opts.Retry

	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.InitialInterval = retry.InitialDelay
	backoffStrategy.MaxInterval = retry.MaxDelay
	backoffStrategy.Multiplier = retry.BackoffFactor
	backoffStrategy.MaxElapsedTime = 0 // Bounded by MaxRetries instead
	backoffStrategy.RandomizationFactor = 0
	if retry.Jitter {
		backoffStrategy.RandomizationFactor = 0.25 // ±25% jitter
	}

	maxRetries := retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoffStrategy, uint64(maxRetries)), ctx)

	var conn *websocket.Conn
	operation := func() error {
		ws, err := c.dial(ctx, c.feed.URL)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			attempt := c.recordFailure()
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("⚠️ Feed handshake attempt failed")
			return err
		}
		conn = ws
		c.recordSuccess()
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("failed to connect after retries: %w", err)
	}
	return conn, nil
}

// readMessages reports every inbound data frame until the socket fails
func (c *Connection) readMessages(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			c.lost(err)
			return
		}
		if c.isClosing() {
			return
		}
		c.sink.RecordMessage(c.feed.ID)
	}
}

// lost reports the end of an established session. A close frame from the
// remote is a disconnect; anything else, including 1006, is an error.
func (c *Connection) lost(err error) {
	c.mutex.Lock()
	closing := c.closing
	c.health.Connected = false
	c.mutex.Unlock()

	if closing {
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		c.logger.Warn().Int("code", closeErr.Code).Str("text", closeErr.Text).Msg("Feed WebSocket closed")
		c.sink.RecordDisconnected(c.feed.ID, closeErr.Error())
		return
	}

	c.logger.Error().Err(err).Msg("Feed WebSocket error")
	c.sink.RecordError(c.feed.ID, err.Error())
}

func (c *Connection) isClosing() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closing
}

func (c *Connection) recordFailure() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.health.FailureCount++
	c.health.ConsecutiveFails++
	c.health.LastFailureTime = time.Now()
	return c.health.ConsecutiveFails
}

func (c *Connection) recordSuccess() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.health.ConsecutiveFails = 0
}

func defaultDial(handshakeTimeout time.Duration) DialFunc {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, http.Header{})
		if err != nil {
			return nil, fmt.Errorf("failed to dial WebSocket: %w", err)
		}
		return conn, nil
	}
}
