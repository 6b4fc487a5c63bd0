package bot

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	feedPongWait   = 60 * time.Second
	feedPingPeriod = (feedPongWait * 9) / 10
	feedRedialWait = 5 * time.Second
)

// PriceFeed maintains a websocket subscription to the symbol's trade stream
// and caches the latest price. The orchestrator reads the cache and falls
// back to REST when the stream goes stale; the feed itself never mutates bot
// state.
type PriceFeed struct {
	wsBaseURL string
	symbol    string
	logger    *zap.SugaredLogger

	mu        sync.RWMutex
	price     decimal.Decimal
	updatedAt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPriceFeed subscribes to wsBaseURL/ws/<symbol>@trade once started.
func NewPriceFeed(wsBaseURL, symbol string, logger *zap.SugaredLogger) *PriceFeed {
	return &PriceFeed{
		wsBaseURL: wsBaseURL,
		symbol:    symbol,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the connect/read/reconnect loop in the background.
func (f *PriceFeed) Start() {
	go f.loop()
}

// Stop tears the connection down and waits for the loop to exit.
func (f *PriceFeed) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

// Latest returns the cached price and its age. ok is false before the first
// tick arrives.
func (f *PriceFeed) Latest() (price decimal.Decimal, age time.Duration, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.updatedAt.IsZero() {
		return decimal.Zero, 0, false
	}
	return f.price, time.Since(f.updatedAt), true
}

func (f *PriceFeed) loop() {
	defer close(f.doneCh)
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		conn, err := f.dial()
		if err != nil {
			f.logger.Warnf("price stream dial failed: %v, retrying in %s", err, feedRedialWait)
			if !f.sleep(feedRedialWait) {
				return
			}
			continue
		}

		f.logger.Infof("price stream connected for %s", f.symbol)
		if err := f.readMessages(conn); err != nil {
			f.logger.Warnf("price stream dropped: %v", err)
		}
		conn.Close()

		select {
		case <-f.stopCh:
			return
		default:
			if !f.sleep(feedRedialWait) {
				return
			}
		}
	}
}

// sleep waits d unless a stop arrives first; it reports whether the loop
// should keep running.
func (f *PriceFeed) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-f.stopCh:
		return false
	}
}

func (f *PriceFeed) dial() (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s/ws/%s@trade", f.wsBaseURL, strings.ToLower(f.symbol))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return conn, err
}

// readMessages blocks on the connection until it breaks, keeping it alive
// with pings and refreshing the read deadline on pongs.
func (f *PriceFeed) readMessages(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	// Pings keep the stream alive. A stop closes the connection so the
	// blocked read below returns immediately instead of waiting out the
	// read deadline.
	go func() {
		pingTicker := time.NewTicker(feedPingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-f.stopCh:
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
				return nil
			default:
				return err
			}
		}

		var tick struct {
			Price json.Number `json:"p"`
		}
		if err := json.Unmarshal(message, &tick); err != nil {
			f.logger.Debugf("unparseable stream message: %v", err)
			continue
		}
		price, err := decimal.NewFromString(tick.Price.String())
		if err != nil || price.Sign() <= 0 {
			continue
		}

		f.mu.Lock()
		f.price = price
		f.updatedAt = time.Now()
		f.mu.Unlock()
	}
}
