package federation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var tunnelTestUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TestTunnelWSRelaysFramesBothWays wires up a fake "remote" (an echo
// server speaking /ws) and a fake "browser" connection accepted by the
// HQ, then verifies TunnelWS relays a message from the browser to the
// remote and the remote's echoed reply back to the browser.
func TestTunnelWSRelaysFramesBothWays(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := tunnelTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("remote upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, append([]byte("echo:"), data...))
		}
	}))
	defer remote.Close()

	hqAcceptedCh := make(chan *websocket.Conn, 1)
	hq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := tunnelTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("hq upgrade: %v", err)
			return
		}
		hqAcceptedCh <- conn
	}))
	defer hq.Close()

	hqWSURL := "ws" + strings.TrimPrefix(hq.URL, "http")
	browserConn, _, err := websocket.DefaultDialer.Dial(hqWSURL, nil)
	if err != nil {
		t.Fatalf("dial hq as browser: %v", err)
	}
	defer browserConn.Close()

	var localConn *websocket.Conn
	select {
	case localConn = <-hqAcceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("hq never accepted the browser connection")
	}
	defer localConn.Close()

	remoteInfo := Remote{ID: "r1", Name: "west-1", URL: remote.URL}

	tunnelErrCh := make(chan error, 1)
	go func() { tunnelErrCh <- TunnelWS(localConn, remoteInfo) }()

	if err := browserConn.WriteMessage(websocket.BinaryMessage, []byte("ping")); err != nil {
		t.Fatalf("browser write: %v", err)
	}

	browserConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := browserConn.ReadMessage()
	if err != nil {
		t.Fatalf("browser read: %v", err)
	}
	if string(data) != "echo:ping" {
		t.Fatalf("browser received %q, want %q", data, "echo:ping")
	}

	browserConn.Close()
	select {
	case <-tunnelErrCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("TunnelWS did not return after browser closed")
	}
}
