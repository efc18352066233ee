package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eljojo/hubsync/runtime"
)

const (
	DefaultPingInterval = 5 * time.Second
	WriteTimeout        = 5 * time.Second
)

type websocketFrames struct {
	ws           *websocket.Conn
	readDeadline time.Duration
}

// NewWebsocket wraps an established websocket as a discrete-frame Binding.
func NewWebsocket(ws *websocket.Conn, pingInterval time.Duration) *Conn {
	fc := &websocketFrames{ws: ws}
	if pingInterval > 0 {
		// three missed pongs and the link is considered dead
		fc.readDeadline = 3 * pingInterval
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(fc.readDeadline))
		})
	}
	return newConn(fc, ws.RemoteAddr().String(), Options{PingInterval: pingInterval}, runtime.Log("websocket"))
}

func (w *websocketFrames) readFrame() ([]byte, error) {
	for {
		if w.readDeadline > 0 {
			if err := w.ws.SetReadDeadline(time.Now().Add(w.readDeadline)); err != nil {
				return nil, err
			}
		}
		messageType, message, err := w.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			return message, nil
		}
	}
}

func (w *websocketFrames) writeFrame(frame []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame)
}

func (w *websocketFrames) ping() error {
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout))
}

func (w *websocketFrames) close() error {
	// best effort: tell the other side we're going away
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.ws.Close()
}

func isWebsocketNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

// DialWebsocket connects to a hub's websocket endpoint, e.g. ws://hub:7700/ws.
func DialWebsocket(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebsocket(ws, DefaultPingInterval), nil
}

// WebsocketListener upgrades HTTP requests and hands every new connection to
// Accept as an unstarted Binding.
type WebsocketListener struct {
	Accept       func(Binding)
	PingInterval time.Duration

	upgrader websocket.Upgrader
}

// NewWebsocketListener creates a listener that passes new bindings to accept.
func NewWebsocketListener(accept func(Binding)) *WebsocketListener {
	return &WebsocketListener{
		Accept:       accept,
		PingInterval: DefaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			// nodes are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (l *WebsocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		runtime.Log("websocket").Warn("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	l.Accept(NewWebsocket(ws, l.PingInterval))
}
