package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/messages"
	"nhooyr.io/websocket"
)

const (
	DefaultDialTimeout = 5 * time.Second
)

type result struct {
	resp *Response
	err  error
}

// WSClient is an Authority reached over a websocket. Requests are
// multiplexed over one connection and correlated by request id. The
// connection is dialed lazily and re-dialed after it drops.
type WSClient struct {
	url         string
	dialTimeout time.Duration

	connLock sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	pendingLock sync.Mutex
	pending     map[string]chan result
}

type NewWSClientOptions struct {
	URL         string
	DialTimeout time.Duration
}

var _ Authority = (*WSClient)(nil)

// NewWSClient creates a new WebSocket client.
func NewWSClient(opts NewWSClientOptions) *WSClient {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &WSClient{
		url:         opts.URL,
		dialTimeout: opts.DialTimeout,
		pending:     make(map[string]chan result),
	}
}

// Connect establishes a connection to the WebSocket server if there is none.
func (c *WSClient) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *WSClient) connection(ctx context.Context) (*websocket.Conn, error) {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	log.Info("Connecting to authority at %s", c.url)
	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to authority: %w", err)
	}
	conn.SetReadLimit(messages.MessageBufferSize)

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handleMessages(readCtx, conn)
	}()
	return conn, nil
}

// Do sends req and waits for the matching response.
func (c *WSClient) Do(ctx context.Context, req *Request) (*Response, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, &errs.ConnectivityError{Operation: req.Operation, Cause: err}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	b, err := messages.SerializeMessage(&messages.Message{
		ID:      req.ID.String(),
		Type:    messages.MessageTypeRequest,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}

	ch := make(chan result, 1)
	c.pendingLock.Lock()
	c.pending[req.ID.String()] = ch
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, req.ID.String())
		c.pendingLock.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		c.drop(conn, err)
		return nil, &errs.ConnectivityError{Operation: req.Operation, Cause: err}
	}

	select {
	case <-ctx.Done():
		return nil, &errs.ConnectivityError{Operation: req.Operation, Cause: ctx.Err()}
	case res := <-ch:
		if res.err != nil {
			return nil, &errs.ConnectivityError{Operation: req.Operation, Cause: res.err}
		}
		if res.resp.RequestID != req.ID {
			return nil, &errs.ConnectivityError{Operation: req.Operation, Cause: fmt.Errorf("response for %s does not match request", res.resp.RequestID)}
		}
		return res.resp, nil
	}
}

// handleMessages reads until the connection fails, then releases every
// waiting request.
func (c *WSClient) handleMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				log.Error("Error reading authority message: %v", err)
			}
			c.drop(conn, err)
			return
		}
		if err := c.handleMessage(data); err != nil {
			log.Error("Failed to handle authority message: %v", err)
		}
	}
}

func (c *WSClient) handleMessage(b []byte) error {
	msg, err := messages.DeserializeMessage(b)
	if err != nil {
		return fmt.Errorf("failed to deserialize message: %v", err)
	}
	log.Trace("Received authority message of type %s", msg.Type)

	var res result
	switch msg.Type {
	case messages.MessageTypeResponse:
		resp := &Response{}
		if err := json.Unmarshal(msg.Payload, resp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %v", err)
		}
		res.resp = resp
	case messages.MessageTypeError:
		payload := &messages.ErrorPayload{}
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			return fmt.Errorf("failed to unmarshal error payload: %v", err)
		}
		res.err = fmt.Errorf("authority could not process request: %s", payload.Reason)
	case messages.MessageTypePong:
		return nil
	default:
		return fmt.Errorf("unexpected message type from authority: %s", msg.Type)
	}

	c.pendingLock.Lock()
	ch, ok := c.pending[msg.ID]
	c.pendingLock.Unlock()
	if !ok {
		log.Debug("Dropping response for unknown request %s", msg.ID)
		return nil
	}
	select {
	case ch <- res:
	default:
		log.Debug("Dropping duplicate response for request %s", msg.ID)
	}
	return nil
}

// drop forgets conn so the next request re-dials, and fails the requests
// still waiting on it.
func (c *WSClient) drop(conn *websocket.Conn, cause error) {
	c.connLock.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	c.connLock.Unlock()
	conn.Close(websocket.StatusGoingAway, "connection dropped")

	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- result{err: fmt.Errorf("connection lost: %w", cause)}:
		default:
		}
		delete(c.pending, id)
	}
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.connLock.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.connLock.Unlock()

	if conn == nil {
		log.Warn("Authority connection is already closed")
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client closing")
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return err
}
