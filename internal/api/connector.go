package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
)

const DefaultWSURL = "wss://ws.okx.com:8443/ws/v5/public"

const reconnectDelay = 5 * time.Second

// okxWsMsg is the OKX v5 public stream envelope. Data parses lazily per
// channel.
type okxWsMsg struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data  json.RawMessage `json:"data"`
	Event string          `json:"event"`
}

// okxWsTicker is one entry of the tickers channel payload.
type okxWsTicker struct {
	InstID    string `json:"instId"`
	LastPrice string `json:"last"`
	Volume    string `json:"vol24h"`
	Timestamp string `json:"ts"`
}

// Connector holds the public tickers stream open and serves the most
// recent price per instrument. Consumers either poll LastTicker or take a
// fan-out channel via Subscribe; slow subscribers drop updates rather than
// block the read loop.
type Connector struct {
	wsURL   string
	instIDs []string
	logger  *zap.Logger

	mu   sync.RWMutex
	last map[string]model.Ticker
	subs map[string][]chan model.Ticker
}

func NewConnector(wsURL string, instIDs []string, logger *zap.Logger) *Connector {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &Connector{
		wsURL:   wsURL,
		instIDs: instIDs,
		logger:  logger,
		last:    make(map[string]model.Ticker),
		subs:    make(map[string][]chan model.Ticker),
	}
}

// Subscribe returns a stream of ticker updates for instID. Register all
// subscribers before calling Run.
func (c *Connector) Subscribe(instID string) <-chan model.Ticker {
	ch := make(chan model.Ticker, 2048)
	c.mu.Lock()
	c.subs[instID] = append(c.subs[instID], ch)
	c.mu.Unlock()
	return ch
}

// LastTicker returns the most recent ticker seen for instID, if any.
func (c *Connector) LastTicker(instID string) (model.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.last[instID]
	return t, ok
}

// Run dials the stream and reads until ctx is canceled, redialing with a
// fixed backoff whenever the connection drops.
func (c *Connector) Run(ctx context.Context) {
	c.logger.Info("starting okx public ticker stream",
		zap.String("url", c.wsURL),
		zap.Strings("instIds", c.instIDs))
	for {
		if err := c.runOnce(ctx); err != nil {
			c.logger.Error("ticker stream dropped, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Connector) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	args := make([]map[string]string, 0, len(c.instIDs))
	for _, id := range c.instIDs {
		args = append(args, map[string]string{"channel": "tickers", "instId": id})
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.logger.Info("subscribed to tickers stream")

	// The venue drops connections idle for 30s; text pings keep it open.
	// Closing the conn on ctx.Done unblocks ReadMessage for shutdown.
	stop := make(chan struct{})
	defer close(stop)
	var writeMu sync.Mutex
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-t.C:
				writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(40 * time.Second)); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if string(message) == "pong" {
			continue
		}
		c.handle(message)
	}
}

func (c *Connector) handle(raw []byte) {
	var msg okxWsMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Event == "error" {
		c.logger.Error("ticker stream error event", zap.ByteString("msg", raw))
		return
	}
	if msg.Event != "" || msg.Arg.Channel != "tickers" || len(msg.Data) == 0 {
		return
	}

	var ticks []okxWsTicker
	if err := json.Unmarshal(msg.Data, &ticks); err != nil {
		c.logger.Error("ticker payload unmarshal error", zap.Error(err))
		return
	}
	for _, t := range ticks {
		price, err := service.StringToFloat(t.LastPrice)
		if err != nil || price <= 0 {
			continue
		}
		ts, _ := service.StringToInt64(t.Timestamp)
		vol, _ := service.StringToFloat(t.Volume)
		c.publish(model.Ticker{InstID: t.InstID, Timestamp: ts, Price: price, Volume: vol})
	}
}

func (c *Connector) publish(t model.Ticker) {
	c.mu.Lock()
	c.last[t.InstID] = t
	subs := c.subs[t.InstID]
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- t:
		default:
			// Slow consumer; the next tick supersedes this one anyway.
		}
	}
}
