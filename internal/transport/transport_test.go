package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/internal/coordinator"
	"quill/internal/protocol"
	"quill/internal/replica"
)

func newGateway(t *testing.T) (*coordinator.Coordinator, *httptest.Server) {
	t.Helper()
	coord := coordinator.New(coordinator.Options{Logger: zerolog.Nop()})
	srv := httptest.NewServer(NewServer(coord, zerolog.Nop()).Routes())
	t.Cleanup(func() {
		srv.Close()
		coord.Close()
	})
	return coord, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestGateway(t *testing.T) {
	_, srv := newGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(Endpoint(wsURL(srv), "notes", "alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	list := readMessage(t, conn)
	assert.Equal(t, protocol.TypeUserList, list.Type)
	assert.Equal(t, []string{"alice"}, list.Users)

	// Garbage and messages for other documents are dropped without
	// closing the connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(protocol.NewSyncRequest("alice", "elsewhere")))
	require.NoError(t, conn.WriteJSON(protocol.NewSyncRequest("alice", "notes")))

	resp := readMessage(t, conn)
	assert.Equal(t, protocol.TypeSyncResponse, resp.Type)
	assert.Equal(t, "notes", resp.DocumentID)
	assert.Empty(t, resp.Content)

	t.Run("Second Client", func(t *testing.T) {
		other, _, err := websocket.DefaultDialer.Dial(Endpoint(wsURL(srv), "notes", "bob"), nil)
		require.NoError(t, err)
		join := readMessage(t, conn)
		assert.Equal(t, protocol.TypeUserJoin, join.Type)
		assert.Equal(t, "bob", join.ClientID)

		other.Close()
		for {
			m := readMessage(t, conn)
			if m.Type == protocol.TypeUserList && len(m.Users) == 1 {
				break
			}
		}
	})
}

func TestSlowClient(t *testing.T) {
	c := &client{send: make(chan protocol.Message, 1), done: make(chan struct{})}
	msg := protocol.NewSyncRequest("alice", "notes")

	require.NoError(t, c.Send(msg))
	assert.ErrorIs(t, c.Send(msg), errSlowClient)
	select {
	case <-c.done:
	default:
		t.Fatal("a client with a full buffer must be disconnected")
	}
	assert.ErrorIs(t, c.Send(msg), errClientGone)
}

func TestHTTPEndpoints(t *testing.T) {
	_, srv := newGateway(t)

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "quill_gateway_connections")

	res, err = http.Post(srv.URL+"/ws/notes", "text/plain", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

// editor drives one replica over a real client link.
type editor struct {
	t     *testing.T
	edits chan replica.Edit
}

func startEditor(t *testing.T, ctx context.Context, base, clientID string) *editor {
	t.Helper()
	cfg := replica.DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.CoalesceWindow = 10 * time.Millisecond
	engine := replica.New("notes", clientID, cfg, zerolog.Nop())
	link := NewClient(base, "notes", clientID, zerolog.Nop())
	ed := &editor{t: t, edits: make(chan replica.Edit)}
	go link.Run(ctx)
	go engine.Run(ctx, link, ed.edits)
	return ed
}

func (e *editor) do(kind replica.EditKind, text string) string {
	e.t.Helper()
	reply := make(chan string, 1)
	e.edits <- replica.Edit{Kind: kind, Text: text, Reply: reply}
	return <-reply
}

func (e *editor) text() string { return e.do(replica.EditShow, "") }

func TestReplicasOverWebsocket(t *testing.T) {
	coord, srv := newGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startEditor(t, ctx, wsURL(srv), "alice")
	b := startEditor(t, ctx, wsURL(srv), "bob")

	assert.Equal(t, "hello", a.do(replica.EditText, "hello"))
	require.Eventually(t, func() bool { return b.text() == "hello" }, 5*time.Second, 20*time.Millisecond)

	b.do(replica.EditText, "hello world")
	require.Eventually(t, func() bool { return a.text() == "hello world" }, 5*time.Second, 20*time.Millisecond)

	a.do(replica.EditUndo, "")
	require.Eventually(t, func() bool {
		return a.text() == " world" && b.text() == " world"
	}, 5*time.Second, 20*time.Millisecond)

	snap, err := coord.Sync(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, " world", snap.Text)
}
