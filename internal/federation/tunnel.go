package federation

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// TunnelWS relays binary frames between localConn — already accepted from
// a browser at this HQ's /ws — and the matching /ws connection on the
// remote that actually owns the session, frame-for-frame, per §4.12. It
// blocks until either side closes or errors, then returns that error.
//
// Each connection has exactly one goroutine writing to it (the other
// side's read-pump), so this needs no additional synchronization beyond
// what gorilla/websocket already requires of a single writer.
func TunnelWS(localConn *websocket.Conn, remote Remote) error {
	wsURL := strings.Replace(remote.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws"

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	remoteConn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("federation: dial remote %s: %w", remote.Name, err)
	}
	defer remoteConn.Close()

	errCh := make(chan error, 2)
	go pumpWS(localConn, remoteConn, errCh)
	go pumpWS(remoteConn, localConn, errCh)

	return <-errCh
}

// pumpWS copies messages read from src onto dst until src errors or
// dst's write fails, then reports that error on errCh.
func pumpWS(src, dst *websocket.Conn, errCh chan<- error) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			errCh <- err
			return
		}
	}
}
