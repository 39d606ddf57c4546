package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"grid_trader/internal/core"
)

const (
	wsBaseProduction = "wss://fstream.binance.com"
	wsBaseTestnet    = "wss://stream.binancefuture.com"
)

// KlineStream subscribes to the combined 1-minute kline stream and
// emits only closed bars. It reconnects with a fixed delay and treats
// prolonged silence as a dead connection.
type KlineStream struct {
	symbol         string
	baseURL        string
	logger         core.Logger
	reconnectDelay time.Duration
	pingInterval   time.Duration
	silenceTimeout time.Duration

	// OnReconnect, when set, is called once per reconnect attempt after
	// a lost connection. Set before Start.
	OnReconnect func()

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	out       chan core.Kline
	isRunning bool
}

// NewKlineStream creates a stream for one symbol. silenceTimeout is the
// read deadline refreshed on every frame; a stream that stays quiet for
// that long is reconnected.
func NewKlineStream(symbol, baseURL string, testnet bool, silenceTimeout time.Duration, logger core.Logger) *KlineStream {
	if baseURL == "" {
		if testnet {
			baseURL = wsBaseTestnet
		} else {
			baseURL = wsBaseProduction
		}
	}
	return &KlineStream{
		symbol:         symbol,
		baseURL:        baseURL,
		logger:         logger.WithField("component", "kline_stream"),
		reconnectDelay: 5 * time.Second,
		pingInterval:   30 * time.Second,
		silenceTimeout: silenceTimeout,
		done:           make(chan struct{}),
		out:            make(chan core.Kline, 16),
	}
}

// Start begins the connect loop and returns the bar channel. The
// channel is closed when the stream stops.
func (k *KlineStream) Start(ctx context.Context) (<-chan core.Kline, error) {
	k.mu.Lock()
	if k.isRunning {
		k.mu.Unlock()
		return nil, fmt.Errorf("kline stream already running")
	}
	k.isRunning = true
	k.mu.Unlock()

	go k.connectLoop(ctx)
	return k.out, nil
}

// Stop tears the stream down. Safe to call more than once.
func (k *KlineStream) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.isRunning {
		return
	}
	k.isRunning = false
	close(k.done)

	if k.conn != nil {
		k.conn.Close()
		k.conn = nil
	}
}

func (k *KlineStream) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-k.done:
		return true
	default:
		return false
	}
}

func (k *KlineStream) connectLoop(ctx context.Context) {
	defer close(k.out)

	wsURL := fmt.Sprintf("%s/stream?streams=%s@kline_1m", k.baseURL, strings.ToLower(k.symbol))

	for {
		if k.stopped(ctx) {
			k.logger.Info("Kline stream stopped")
			return
		}

		k.logger.Info("Connecting kline stream", "url", wsURL)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			k.logger.Error("Kline stream connect failed", "error", err, "retry_in", k.reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-k.done:
				return
			case <-time.After(k.reconnectDelay):
			}
			continue
		}

		k.mu.Lock()
		k.conn = conn
		k.mu.Unlock()
		k.logger.Info("Kline stream connected")

		go k.pingLoop(ctx, conn)
		k.readLoop(ctx, conn)

		k.mu.Lock()
		if k.conn == conn {
			k.conn = nil
		}
		k.mu.Unlock()

		if k.stopped(ctx) {
			k.logger.Info("Kline stream stopped")
			return
		}

		k.logger.Warn("Kline stream disconnected, reconnecting", "delay", k.reconnectDelay)
		if k.OnReconnect != nil {
			k.OnReconnect()
		}
		select {
		case <-ctx.Done():
			return
		case <-k.done:
			return
		case <-time.After(k.reconnectDelay):
		}
	}
}

func (k *KlineStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(k.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.done:
			return
		case <-ticker.C:
			k.mu.Lock()
			current := k.conn
			k.mu.Unlock()
			if current != conn {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				k.logger.Warn("Kline stream ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

type wsKlineMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		K         struct {
			StartTime int64  `json:"t"`
			EndTime   int64  `json:"T"`
			Symbol    string `json:"s"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			IsFinal   bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func (k *KlineStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(k.silenceTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(k.silenceTimeout))
		return nil
	})

	for {
		if k.stopped(ctx) {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				k.logger.Warn("Kline stream closed unexpectedly", "error", err)
			} else {
				k.logger.Debug("Kline stream read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(k.silenceTimeout))

		var msg wsKlineMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			k.logger.Warn("Failed to parse kline message", "error", err)
			continue
		}
		if msg.Data.EventType != "kline" || !msg.Data.K.IsFinal {
			continue
		}

		bar, err := translateKline(&msg)
		if err != nil {
			k.logger.Warn("Failed to translate kline", "error", err)
			continue
		}

		select {
		case k.out <- bar:
		case <-ctx.Done():
			return
		case <-k.done:
			return
		}
	}
}

func translateKline(msg *wsKlineMessage) (core.Kline, error) {
	kl := msg.Data.K

	open, err := decimal.NewFromString(kl.Open)
	if err != nil {
		return core.Kline{}, fmt.Errorf("parsing open %q: %w", kl.Open, err)
	}
	high, err := decimal.NewFromString(kl.High)
	if err != nil {
		return core.Kline{}, fmt.Errorf("parsing high %q: %w", kl.High, err)
	}
	low, err := decimal.NewFromString(kl.Low)
	if err != nil {
		return core.Kline{}, fmt.Errorf("parsing low %q: %w", kl.Low, err)
	}
	cls, err := decimal.NewFromString(kl.Close)
	if err != nil {
		return core.Kline{}, fmt.Errorf("parsing close %q: %w", kl.Close, err)
	}
	vol, err := decimal.NewFromString(kl.Volume)
	if err != nil {
		return core.Kline{}, fmt.Errorf("parsing volume %q: %w", kl.Volume, err)
	}

	return core.Kline{
		Symbol:    kl.Symbol,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		OpenTime:  kl.StartTime,
		CloseTime: kl.EndTime,
		Closed:    kl.IsFinal,
	}, nil
}
