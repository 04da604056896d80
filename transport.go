package bililive

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// DefaultURI is the public danmaku broadcast endpoint.
const DefaultURI = "wss://broadcastlv.chat.bilibili.com:443/sub"

// defaultWriteTimeout bounds a single websocket write.
const defaultWriteTimeout = 10 * time.Second

// WebsocketDialer dials the feed over a websocket.
type WebsocketDialer struct {
	// Dialer is used for the handshake. Nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the handshake request.
	Header http.Header
	// WriteTimeout bounds each write. Zero uses 10s.
	WriteTimeout time.Duration
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, uri string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, uri, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "dial %s: %v", uri, err)
	}

	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &wsTransport{conn: conn, writeTimeout: timeout}, nil
}

// wsTransport adapts a gorilla connection to Transport. Writes are
// serialized because gorilla allows one concurrent writer.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (t *wsTransport) Receive() Delivery {
	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		if t.closed.Load() || isCloseError(err) {
			return Delivery{Kind: DeliveryClosed, Err: err}
		}
		return Delivery{Kind: DeliveryError, Err: errors.Wrap(ErrTransport, err.Error())}
	}

	switch kind {
	case websocket.BinaryMessage:
		return Delivery{Kind: DeliveryBinary, Data: data}
	default:
		return Delivery{Kind: DeliveryText, Data: data}
	}
}

func (t *wsTransport) SendBinary(data []byte) error {
	if t.closed.Load() {
		return errors.Wrap(ErrTransport, "send on closed transport")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

// Close sends a close frame when possible and closes the socket.
// Safe to call multiple times.
func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()

	if err := t.conn.Close(); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

func isCloseError(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
