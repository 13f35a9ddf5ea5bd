package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Acks from the read loop and keepalive pings race on the same connection;
// gorilla panics on a concurrent write, so every write must go through the
// streamConn lock.
func TestStreamConnSerializesConcurrentWriters(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sc := &streamConn{conn: conn}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := sc.writeJSON(outboundFrame{Type: "ack", EventID: "event"}); err != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := sc.ping(); err != nil {
					return
				}
			}
		}()
		wg.Wait()
		close(done)
	}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		select {
		case <-done:
			return
		default:
		}
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("writers did not finish")
	}
}
