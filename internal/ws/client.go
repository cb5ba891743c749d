package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"messaging-service/internal/messaging"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	maxFrameBytes = 64 << 10
	replyBuffer   = 16
	laneQueue     = 32
)

// client pumps one connection: session events out, commands in.
type client struct {
	conn    *websocket.Conn
	session Session
	info    ConnInfo
	logger  *slog.Logger

	replies chan messaging.Event
	done    chan struct{}
}

func newClient(conn *websocket.Conn, session Session, info ConnInfo, logger *slog.Logger) *client {
	return &client{
		conn:    conn,
		session: session,
		info:    info,
		logger:  logger.With("conn_id", info.ConnID, "user_id", info.UserID),
		replies: make(chan messaging.Event, replyBuffer),
		done:    make(chan struct{}),
	}
}

// serve blocks until the connection ends and returns the close reason.
func (c *client) serve(ctx context.Context) string {
	ctx, cancel := context.WithCancel(ctx)

	if err := c.session.Start(ctx); err != nil {
		c.logger.Warn("session start", "error", err)
		c.reply(messaging.Event{Type: messaging.EventError, Error: err.Error()})
	}

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		c.writeLoop()
	}()

	var commands sync.WaitGroup
	lanes := newLanes(ctx, c, &commands)
	reason := c.readLoop(ctx, lanes)
	lanes.close()
	cancel()
	commands.Wait()
	c.session.Close()
	close(c.done)
	writer.Wait()
	return reason
}

// readLoop decodes commands until the socket fails and hands each to its lane.
func (c *client) readLoop(ctx context.Context, lanes *lanes) string {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(ctx, "ws_error", c.info, err.Error())
			}
			return err.Error()
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reply(messaging.Event{Type: messaging.EventError, Error: "malformed command"})
			continue
		}
		lanes.push(cmd)
	}
}

// lanes runs commands in arrival order per conversation. Commands that act on the
// session as a whole (open, status, refresh) share one lane of their own, so
// conversations do not wait on each other but no conversation sees its commands
// reordered.
type lanes struct {
	ctx      context.Context
	client   *client
	wg       *sync.WaitGroup
	byTarget map[string]chan Command
}

func newLanes(ctx context.Context, c *client, wg *sync.WaitGroup) *lanes {
	return &lanes{ctx: ctx, client: c, wg: wg, byTarget: make(map[string]chan Command)}
}

func laneKey(cmd Command) string {
	switch cmd.Type {
	case CommandSend, CommandDelete, CommandUndo, CommandRestore, CommandMarkRead, CommandTyping:
		return "conversation:" + cmd.ConversationID
	}
	return "session"
}

// push is only called from the read loop.
func (l *lanes) push(cmd Command) {
	key := laneKey(cmd)
	lane, ok := l.byTarget[key]
	if !ok {
		lane = make(chan Command, laneQueue)
		l.byTarget[key] = lane
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for cmd := range lane {
				l.client.run(l.ctx, cmd)
			}
		}()
	}
	select {
	case lane <- cmd:
	case <-l.ctx.Done():
	}
}

func (l *lanes) close() {
	for key, lane := range l.byTarget {
		close(lane)
		delete(l.byTarget, key)
	}
}

func (c *client) run(ctx context.Context, cmd Command) {
	err := dispatch(ctx, c.session, cmd)
	if err == nil || ctx.Err() != nil {
		return
	}
	c.logger.Debug("command failed", "type", cmd.Type, "conversation_id", cmd.ConversationID, "error", err)
	if !reportsOwnErrors(cmd.Type) {
		c.reply(messaging.Event{Type: messaging.EventError, ConversationID: cmd.ConversationID, Error: err.Error()})
	}
}

// reply queues a frame for the writer, dropping it when the queue is full.
func (c *client) reply(ev messaging.Event) {
	select {
	case c.replies <- ev:
	default:
		c.logger.Warn("reply dropped", "type", ev.Type)
	}
}

// writeLoop is the connection's only data writer.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	events := c.session.Events()
	for {
		var ev messaging.Event
		select {
		case <-c.done:
			return
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			ev = e
		case ev = <-c.replies:
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.conn.Close()
				return
			}
			continue
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			c.logger.Debug("websocket write error", "error", err)
			c.conn.Close()
			return
		}
	}
}
