package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/internal/crdt"
	"quill/internal/ident"
)

func TestRedisMirror(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, zerolog.Nop())
	defer mirror.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan crdt.Operation, 1)
	subscribed := make(chan struct{})
	go func() {
		// Subscribe returns once ctx is cancelled at the end of the test.
		close(subscribed)
		mirror.Subscribe(ctx, "notes", func(op crdt.Operation) {
			select {
			case got <- op:
			default:
			}
		})
	}()
	<-subscribed

	op, err := crdt.NewDocument(ident.NewAllocator("w")).LocalInsert(0, "hi")
	require.NoError(t, err)

	// The subscription may not be registered yet; publish until it is seen.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case recv := <-got:
			assert.Equal(t, "hi", recv.Content)
			assert.Equal(t, op.IDs, recv.IDs)
			return
		case <-deadline:
			t.Fatal("mirrored operation never arrived")
		case <-time.After(50 * time.Millisecond):
			mirror.Publish("notes", op)
		}
	}
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "quill:doc:a/b", Channel("a/b"))
}
