package transport

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"quill/internal/protocol"
)

var ErrNotConnected = errors.New("not connected to the coordinator")

// Client is a replica's link to the gateway. Run keeps it connected,
// redialling with exponential backoff; Status reports every change.
type Client struct {
	endpoint string
	log      zerolog.Logger
	dialer   *websocket.Dialer

	inbound chan protocol.Message
	status  chan bool

	mu   sync.Mutex
	conn *websocket.Conn

	// newBackOff returns the retry policy for one reconnect cycle.
	newBackOff func() backoff.BackOff
}

// Endpoint returns the websocket URL of docID on the server at base.
func Endpoint(base, docID, clientID string) string {
	base = strings.TrimSuffix(base, "/")
	return base + "/ws/" + url.PathEscape(docID) + "?client=" + url.QueryEscape(clientID)
}

func NewClient(base, docID, clientID string, log zerolog.Logger) *Client {
	return &Client{
		endpoint: Endpoint(base, docID, clientID),
		log:      log.With().Str("component", "link").Str("doc", docID).Logger(),
		dialer:   websocket.DefaultDialer,
		inbound:  make(chan protocol.Message, 64),
		status:   make(chan bool),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (c *Client) Inbound() <-chan protocol.Message { return c.inbound }
func (c *Client) Status() <-chan bool              { return c.status }

// Send writes msg on the current connection.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(msg)
}

// Run dials, reads until the connection breaks and dials again, until ctx
// is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.setConn(conn)
		if !c.report(ctx, true) {
			conn.Close()
			return ctx.Err()
		}
		err = c.read(ctx, conn)
		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("connection lost, reconnecting")
		if !c.report(ctx, false) {
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = c.dialer.DialContext(ctx, c.endpoint, nil)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug().Err(err).Dur("retry", wait).Msg("dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	c.log.Info().Str("endpoint", c.endpoint).Msg("connected")
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) report(ctx context.Context, up bool) bool {
	select {
	case c.status <- up:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}
		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
