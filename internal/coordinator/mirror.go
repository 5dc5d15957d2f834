package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quill/internal/crdt"
	"quill/internal/ops"
)

// Mirror receives every operation the coordinator accepts. Publish is
// called from inside a document actor and must not block.
type Mirror interface {
	Publish(docID string, op crdt.Operation)
}

type nopMirror struct{}

func (nopMirror) Publish(string, crdt.Operation) {}

// Channel returns the redis channel carrying docID's operations.
func Channel(docID string) string { return "quill:doc:" + docID }

type published struct {
	docID   string
	payload []byte
}

// RedisMirror publishes accepted operations to redis pub/sub, one channel
// per document, in the binary record format of package ops.
type RedisMirror struct {
	client  *redis.Client
	log     zerolog.Logger
	timeout time.Duration

	queue chan published
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewRedisMirror(client *redis.Client, log zerolog.Logger) *RedisMirror {
	m := &RedisMirror{
		client:  client,
		log:     log.With().Str("component", "mirror").Logger(),
		timeout: 5 * time.Second,
		queue:   make(chan published, 1024),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

func (m *RedisMirror) Publish(docID string, op crdt.Operation) {
	payload, err := ops.Marshal(op)
	if err != nil {
		m.log.Error().Err(err).Str("doc", docID).Msg("encoding operation for mirror")
		return
	}
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.queue <- published{docID: docID, payload: payload}:
	default:
		mirrorDroppedTotal.Inc()
		m.log.Warn().Str("doc", docID).Msg("mirror queue full, dropping operation")
	}
}

func (m *RedisMirror) loop() {
	defer m.wg.Done()
	for {
		select {
		case rec := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			if err := m.client.Publish(ctx, Channel(rec.docID), rec.payload).Err(); err != nil {
				m.log.Warn().Err(err).Str("doc", rec.docID).Msg("publishing to redis")
			}
			cancel()
		case <-m.done:
			return
		}
	}
}

// Subscribe calls fn for every operation mirrored for docID until ctx is
// done. Records that fail to decode are logged and skipped.
func (m *RedisMirror) Subscribe(ctx context.Context, docID string, fn func(crdt.Operation)) error {
	pubsub := m.client.Subscribe(ctx, Channel(docID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			op, err := ops.Unmarshal([]byte(msg.Payload))
			if err != nil {
				m.log.Warn().Err(err).Str("doc", docID).Msg("skipping undecodable record")
				continue
			}
			fn(op)
		}
	}
}

// Close stops the publisher. Operations still queued are discarded.
func (m *RedisMirror) Close() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}
