package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jrhy/sharedmap/opstore"
	"go.uber.org/zap"
)

// ClientOptions configures Dial.
type ClientOptions struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// BatchSize caps the operations sent per message. Defaults to 256.
	BatchSize int
}

// Client connects a store to a Hub: operations created on the store are
// sent to the hub, and operations relayed by the hub are applied to the
// store.
type Client struct {
	store *opstore.Store
	conn  *websocket.Conn
	log   *zap.Logger
	batch int

	stopLocal func()

	mu       sync.Mutex
	outbox   [][]byte
	inflight int
	wake     chan struct{}
	id       uuid.UUID

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial connects store to the hub at url, such as "ws://host:9000/". The
// store's whole log is published first, so peers that missed earlier
// sessions catch up.
func Dial(ctx context.Context, url string, store *opstore.Store, opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		store:   store,
		conn:    conn,
		log:     opts.Logger,
		batch:   opts.BatchSize,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.batch <= 0 {
		c.batch = 256
	}
	c.log = c.log.With(zap.String("replica", store.Replica()), zap.String("hub", url))

	// Register before reading the log so nothing falls in between;
	// receivers ignore duplicates.
	c.stopLocal = store.OnLocalOperations(c.queue)
	log, err := store.OperationsSince(ctx, nil)
	if err != nil {
		c.stopLocal()
		conn.Close()
		return nil, fmt.Errorf("read log: %w", err)
	}
	c.queue(log)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
	c.log.Info("connected", zap.Int("published", len(log)))
	return c, nil
}

// queue encodes ops for sending. It never blocks, so it is safe to use as
// an OnLocalOperations listener.
func (c *Client) queue(ops []*opstore.Operation) {
	if len(ops) == 0 {
		return
	}
	encoded, err := encodeOps(ops)
	if err != nil {
		c.log.Error("encoding operations", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.outbox = append(c.outbox, encoded...)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) next() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.outbox)
	if n > c.batch {
		n = c.batch
	}
	out := c.outbox[:n:n]
	c.outbox = c.outbox[n:]
	c.inflight = n
	return out
}

func (c *Client) sent() {
	c.mu.Lock()
	c.inflight = 0
	c.mu.Unlock()
}

// Flush waits until every queued operation has been written to the hub.
func (c *Client) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		idle := len(c.outbox) == 0 && c.inflight == 0
		c.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ticker.C:
		case <-c.closing:
			return fmt.Errorf("flush: connection closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		for ops := c.next(); len(ops) > 0; ops = c.next() {
			if err := c.conn.WriteJSON(Message{Type: OpsMessage, Ops: ops}); err != nil {
				c.log.Warn("sending operations", zap.Error(err))
				c.shutdown()
				return
			}
			c.sent()
		}
		select {
		case <-c.wake:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closing:
			default:
				c.log.Warn("reading from hub", zap.Error(err))
			}
			c.shutdown()
			return
		}
		switch msg.Type {
		case WelcomeMessage:
			c.mu.Lock()
			c.id = msg.Replica
			c.mu.Unlock()
		case OpsMessage:
			ops, err := decodeOps(msg.Ops)
			if err != nil {
				c.log.Warn("decoding operations", zap.Stringer("from", msg.Replica), zap.Error(err))
				continue
			}
			c.store.ApplyRemote(ops).Then(func(_ struct{}, err error) {
				if err != nil {
					c.log.Warn("applying operations", zap.Stringer("from", msg.Replica), zap.Error(err))
				}
			})
		}
	}
}

// PeerID returns the ID the hub assigned to this connection, once known.
func (c *Client) PeerID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.stopLocal()
		close(c.closing)
		c.conn.Close()
	})
}

// Close ends the session and waits for it to wind down. Operations not
// yet sent are dropped; they are published again on the next Dial.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.shutdown()
	<-c.done
	c.log.Info("disconnected")
	return nil
}
