package adaptor

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second
	// close frames carry at most 123 bytes of reason text
	maxCloseReason = 123
)

// wsConn is the transport side of one session stream.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

func newWSConn(ws *websocket.Conn, logger zerolog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:     id,
		ws:     ws,
		logger: logger.With().Str("connection_id", id).Logger(),
	}
}

func (c *wsConn) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return websocket.ErrCloseSent
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame with reason and releases the connection. Only the
// first call has any effect.
func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		c.closed = true
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.logger.Debug().Err(werr).Msg("error sending close frame")
		}
		err = c.ws.Close()
	})
	return err
}

func (a *Adaptor) stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(a.opts.MaxFrameBytes)

	conn := newWSConn(ws, a.logger.With().Str("session_id", id).Logger())
	conn.logger.Info().Str("remote", r.RemoteAddr).Msg("stream connected")
	if err := a.streams.OpenStream(id, conn); err != nil {
		conn.logger.Warn().Err(err).Msg("stream refused")
		_ = conn.Close("")
		return
	}
	defer func() {
		a.streams.CloseStream(id, conn)
		_ = conn.Close("")
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Warn().Err(err).Msg("stream closed unexpectedly")
			} else {
				conn.logger.Info().Msg("stream disconnected")
			}
			return
		}
		a.streams.HandleMessage(id, messageType == websocket.BinaryMessage, data)
	}
}
