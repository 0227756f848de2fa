package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/peercall/internal/adapters/pubsub"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

func (c *Client) writePump(ctx context.Context, ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("writePump ctx done")
			c.conn.Close()
			return
		case data, ok := <-c.conn.send:
			if !ok {
				c.logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				c.conn.Close()
				return
			}
			if err := c.conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("writePump write error")
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("ping failed")
				c.conn.Close()
				return
			}
		}
	}
}

// readPump owns the client: when it returns, the client is gone.
func (c *Client) readPump(ctx context.Context, readLimit int64, ping time.Duration) {
	defer c.close()

	pongWait := ping * 10 / 9
	c.conn.conn.SetReadLimit(readLimit)
	_ = c.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.conn.SetPongHandler(func(string) error {
		return c.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		var f pubsub.RelayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("bad json")
			c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Error: "bad_frame"})
			continue
		}
		c.handle(ctx, f)
	}
}
