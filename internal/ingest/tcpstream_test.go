package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/model"
)

func TestTCPStreamReadsJSONLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan model.Event, 4)
	serveTCPStream(ctx, ln, out, nil)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("{\"guild_id\":\"g1\",\"author_id\":\"u1\",\"content\":\"one\"}\ngarbage\n\n{\"guild_id\":\"g1\",\"author_id\":\"u1\",\"content\":\"two\"}\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-out:
			assert.Equal(t, "tcp_stream", ev.Source)
			got = append(got, ev.Content)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)
}
