// Package transport carries protocol messages over websockets: the gateway
// in front of the coordinator and the reconnecting client used by replicas.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"quill/internal/coordinator"
	"quill/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var (
	errClientGone = errors.New("client connection closed")
	errSlowClient = errors.New("client send buffer full")
)

// Hub is the part of the coordinator the gateway talks to.
type Hub interface {
	Join(ctx context.Context, docID, clientID string, sink coordinator.Sink) error
	Leave(ctx context.Context, docID, clientID string, sink coordinator.Sink) error
	Handle(ctx context.Context, clientID string, msg protocol.Message) error
}

type Server struct {
	hub        Hub
	log        zerolog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int
}

func NewServer(hub Hub, log zerolog.Logger) *Server {
	return &Server{
		hub: hub,
		log: log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer: 256,
	}
}

// Routes returns the gateway's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{docID}", s.serveWs).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return r
}

// ListenAndServe serves the gateway on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("gateway listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

// client is one websocket connection. It is the coordinator's sink for
// that client: Send queues without blocking.
type client struct {
	id    string
	docID string
	conn  *websocket.Conn
	send  chan protocol.Message
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger
}

func (c *client) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		// Disconnect; the replica resyncs when it redials.
		c.close()
		return errSlowClient
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	c := &client{
		id:    clientID,
		docID: docID,
		conn:  conn,
		send:  make(chan protocol.Message, s.sendBuffer),
		done:  make(chan struct{}),
		log:   s.log.With().Str("doc", docID).Str("client", clientID).Logger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.hub.Join(ctx, docID, clientID, c); err != nil {
		c.log.Error().Err(err).Msg("join")
		conn.Close()
		return
	}
	connectionsGauge.Inc()
	defer connectionsGauge.Dec()

	go c.writePump()
	c.readPump(ctx, s.hub)
	c.close()
	if err := s.hub.Leave(ctx, docID, clientID, c); err != nil && !errors.Is(err, coordinator.ErrClosed) {
		c.log.Warn().Err(err).Msg("leave")
	}
}

func (c *client) readPump(ctx context.Context, hub Hub) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			rejectedTotal.Inc()
			c.log.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}
		if msg.DocumentID != c.docID {
			rejectedTotal.Inc()
			c.log.Warn().Str("target", msg.DocumentID).Msg("dropping message for another document")
			continue
		}
		messagesTotal.WithLabelValues(string(msg.Type)).Inc()
		if err := hub.Handle(ctx, c.id, msg); err != nil {
			if errors.Is(err, coordinator.ErrClosed) {
				return
			}
			c.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("handling message")
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("write")
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
