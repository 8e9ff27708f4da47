package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	hostErrors "github.com/codementor/host/internal/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 << 20

	// sendTimeout bounds how long a response waits for room in the send buffer.
	sendTimeout = 5 * time.Second
)

// Client is one WebSocket connection.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan *Response
	server  *Server
	limiter *rate.Limiter
	logger  *zap.Logger

	// done is closed once to stop the client. Senders select on it
	// instead of the send channel being closed.
	done     chan struct{}
	sendOnce sync.Once
}

// closeSend signals the client to shut down. Safe to call repeatedly.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// enqueue queues resp for writing. It gives up if the client is closing or
// stays too slow for sendTimeout.
func (c *Client) enqueue(resp *Response) {
	if resp == nil {
		return
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
	case c.send <- resp:
	case <-timer.C:
		c.logger.Warn("send buffer full, dropping response", zap.String("command", string(resp.Command)))
	}
}

// writePump sends queued responses and periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case resp := <-c.send:
			data, err := json.Marshal(resp)
			if err != nil {
				c.logger.Error("marshal response", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				c.closeSend()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

// readPump reads commands and dispatches each in its own goroutine.
func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()
		c.closeSend()
		c.logger.Info("client disconnected", zap.Int("clients", c.server.ClientCount()))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reject(hostErrors.InvalidMessage(fmt.Sprintf("malformed message: %v", err)), "")
			continue
		}
		if req.Command == "" {
			c.reject(hostErrors.InvalidMessage("message has no command"), req.ID)
			continue
		}
		if !c.limiter.Allow() {
			c.reject(hostErrors.New(hostErrors.CodeServerRateLimited, "too many commands"), req.ID)
			continue
		}

		c.server.wg.Add(1)
		go func() {
			defer c.server.wg.Done()
			c.dispatch(req)
		}()
	}
}

// reject answers a message that never reached the router.
func (c *Client) reject(err *hostErrors.CodedError, id string) {
	c.logger.Debug("message rejected", zap.String("code", err.Code), zap.String("reason", err.Message))
	c.enqueue(NewErrorMessage(err.Code, err.Message).withID(id))
}

// dispatch runs one command. A panicking handler still produces a response.
func (c *Client) dispatch(req Request) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("command panicked",
				zap.String("command", string(req.Command)),
				zap.Any("panic", p),
				zap.Stack("stack"))
			c.enqueue(NewErrorMessage(hostErrors.CodeInternal, "internal error").withID(req.ID))
		}
	}()

	ctx, cancel := context.WithCancel(c.server.ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	resp := c.server.router.Handle(ctx, req)
	c.logger.Debug("command handled",
		zap.String("command", string(req.Command)),
		zap.Bool("response", resp != nil),
		zap.Duration("elapsed", time.Since(start)))
	c.enqueue(resp)
}
