package wstracker

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trackd/internal/tracker"
)

// peerConn is one websocket client. The write mutex serializes frames
// from the reader goroutine, the ping loop and relays originating on
// other connections.
type peerConn struct {
	sock *websocket.Conn
	ip   net.IP
	port uint16

	writeMu sync.Mutex

	mu         sync.Mutex
	peerID     tracker.HashID
	registered bool
	swarms     map[tracker.HashID]struct{}
}

func (c *peerConn) send(log zerolog.Logger, v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.sock.WriteJSON(v); err != nil {
		log.Debug().Err(err).Msg("write frame")
	}
}

func (c *peerConn) sendFailure(log zerolog.Logger, action, reason string) {
	c.send(log, failureReply{Action: action, Reason: reason})
}

func (c *peerConn) writeControl(messageType int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteControl(messageType, nil, time.Now().Add(writeWait))
}
