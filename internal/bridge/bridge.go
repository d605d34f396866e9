// Package bridge relays a client terminal over WebSocket to the shell
// inside a session's sandbox.
//
// One connection gets one exec channel and two pumps: binary frames from
// the client go verbatim into the remote stdin, remote stdout comes back
// as text frames with invalid UTF-8 replaced. Text frames from the
// client carry JSON control messages (resize, ping). Whichever side ends
// first tears the other down; the bridge never reconnects and never
// mutates session state.
package bridge

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hewlab/playground/internal/sandbox"
	"github.com/hewlab/playground/internal/session"
)

// Close codes sent to the client, distinct per refusal reason so client
// behavior can branch on them.
const (
	CloseSessionNotFound    = 4404
	CloseSessionNotActive   = 4409
	CloseChannelUnavailable = 4502
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	readBufSize    = 32 * 1024
)

// controlMessage is a JSON frame from the client.
type controlMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// Bridge upgrades terminal connections and relays them into sandboxes.
type Bridge struct {
	store    session.Store
	provider sandbox.Provider
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

// New creates a bridge. allowedOrigins is matched against the Origin
// header; "*" allows everything (dev only).
func New(store session.Store, provider sandbox.Provider, allowedOrigins []string, log logrus.FieldLogger) *Bridge {
	return &Bridge{
		store:    store,
		provider: provider,
		log:      log.WithField("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Handle upgrades the request and runs the relay until either side ends.
// Session validation happens before any exec channel is opened; a
// non-viable session is refused with its distinct close code.
func (b *Bridge) Handle(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	log := b.log.WithField("session_id", sessionID)

	s, err := b.store.Get(r.Context(), sessionID)
	if err != nil {
		refuse(conn, CloseSessionNotFound, "session not found")
		return
	}
	if s.State != session.StateActive {
		refuse(conn, CloseSessionNotActive, "session is "+string(s.State))
		return
	}

	ch, err := b.provider.OpenExecChannel(r.Context(), s.Namespace)
	if err != nil {
		log.WithError(err).Warn("Exec channel unavailable")
		refuse(conn, CloseChannelUnavailable, "exec channel unavailable")
		return
	}

	log.Info("Shell attached")
	relay(conn, ch, log)
	log.Info("Shell detached")
}

func refuse(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, msg)
	conn.Close()
}

// relay runs the two pump goroutines and blocks until both have exited.
// The first side to finish triggers teardown of the other: closing the
// exec channel unblocks the remote read, closing the connection unblocks
// the client read. Teardown is idempotent via the sync.Once.
func relay(conn *websocket.Conn, ch sandbox.ExecChannel, log logrus.FieldLogger) {
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			ch.Close()
			conn.Close()
		})
	}
	defer teardown()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer teardown()
		pumpOutbound(conn, ch)
	}()

	go func() {
		defer wg.Done()
		defer teardown()
		pumpInbound(conn, ch, log)
	}()

	wg.Wait()
}

// pumpInbound moves client frames into the remote stdin until the
// connection ends.
func pumpInbound(conn *websocket.Conn, ch sandbox.ExecChannel, log logrus.FieldLogger) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Debug("Client read ended")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if _, err := ch.Stdin().Write(data); err != nil {
				return
			}

		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.WithError(err).Debug("Invalid control message")
				continue
			}
			switch msg.Type {
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					ch.Resize(msg.Cols, msg.Rows)
				}
			case "ping":
				// Presence is the point; nothing to do.
			default:
				log.WithField("type", msg.Type).Debug("Unknown control message")
			}
		}
	}
}

// pumpOutbound moves remote output to the client until the remote stream
// ends, keeping the connection alive with pings in between.
func pumpOutbound(conn *websocket.Conn, ch sandbox.ExecChannel) {
	output := make(chan string, 64)

	// quit releases the reader goroutine if it is parked on a full output
	// buffer when this pump returns; closing the exec channel alone only
	// unblocks it from the read.
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		defer close(output)
		buf := make([]byte, readBufSize)
		for {
			n, err := ch.Stdout().Read(buf)
			if n > 0 {
				// Replace invalid byte sequences rather than failing; raw
				// terminal output is not guaranteed to chunk on rune
				// boundaries.
				select {
				case output <- strings.ToValidUTF8(string(buf[:n]), "�"):
				case <-quit:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-output:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Remote stream ended (process exit or zero-length read).
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shell exited")
				conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(chunk)); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ch.Done():
			// Remote process exited without closing the output stream.
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shell exited")
			conn.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}
