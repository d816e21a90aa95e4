/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package feed reads trades from the Binance websocket trade stream.
//
// A Listener keeps one websocket connection open, decodes every frame into a records.TradeRecord and
// hands it to a TradeSink. Transport errors never stop the listener: it reconnects after a backoff delay
// that doubles from 1s up to 60s and is reset by every successful connection. Only Stop, or the
// cancellation of the context given to Start, ends the read loop.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/shared/logging"
	"github.com/numaproj/tradewatch/pkg/shared/util"
)

// DefaultStreamURL is the Binance combined stream endpoint, stream names are appended to it.
const DefaultStreamURL = "wss://stream.binance.com:9443/stream?streams="

// DefaultSymbols are subscribed when no symbol is configured.
var DefaultSymbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"}

// State is the connection state of a Listener.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// TradeSink receives the decoded trades. Accept is called from the read loop, one trade at a time.
type TradeSink interface {
	Accept(ctx context.Context, t records.TradeRecord) error
}

// TradeSinkFunc adapts a function to TradeSink.
type TradeSinkFunc func(ctx context.Context, t records.TradeRecord) error

func (f TradeSinkFunc) Accept(ctx context.Context, t records.TradeRecord) error {
	return f(ctx, t)
}

// BuildStreamURL returns the combined trade stream URL of the symbols.
func BuildStreamURL(symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	return DefaultStreamURL + strings.Join(streams, "/")
}

// Listener reads trades from the exchange websocket.
type Listener struct {
	url     string
	symbols []string
	sink    TradeSink
	opts    *options
	log     *zap.SugaredLogger
	dialer  *websocket.Dialer
	header  http.Header
	backoff *reconnectBackoff
	state   *atomic.Int32

	connLock sync.Mutex
	// conn is the connection of the running session
	conn *websocket.Conn
	// pending is a connection established by Dial and not yet used by the read loop
	pending *websocket.Conn

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewListener returns a listener for the symbols. An empty url subscribes to the trade streams of the
// symbols on Binance; an empty symbol list falls back to DefaultSymbols.
func NewListener(url string, symbols []string, sink TradeSink, inputOpts ...Option) (*Listener, error) {
	if sink == nil {
		return nil, errors.New("trade sink is required")
	}
	opts := defaultOptions()
	for _, o := range inputOpts {
		o(opts)
	}
	if opts.pingInterval <= 0 || opts.pongTimeout <= 0 {
		return nil, fmt.Errorf("ping interval and pong timeout must be positive, got %v and %v", opts.pingInterval, opts.pongTimeout)
	}
	if opts.initialBackoff <= 0 || opts.maxBackoff < opts.initialBackoff {
		return nil, fmt.Errorf("invalid backoff bounds [%v, %v]", opts.initialBackoff, opts.maxBackoff)
	}
	if opts.logger == nil {
		opts.logger = logging.NewLogger()
	}
	symbols = util.NormalizeSymbols(symbols, DefaultSymbols)
	if url == "" {
		url = BuildStreamURL(symbols)
	}
	header := http.Header{}
	header.Set("User-Agent", opts.userAgent)
	l := &Listener{
		url:     url,
		symbols: symbols,
		sink:    sink,
		opts:    opts,
		log:     opts.logger.Named("feed").With(zap.String("url", url)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.handshakeTimeout,
		},
		header:  header,
		backoff: newReconnectBackoff(opts.initialBackoff, opts.maxBackoff, opts.clock),
		state:   atomic.NewInt32(int32(StateConnecting)),
		stopCh:  make(chan struct{}),
	}
	l.setState(StateConnecting)
	return l, nil
}

// URL returns the stream URL.
func (l *Listener) URL() string {
	return l.url
}

// Symbols returns the subscribed symbols.
func (l *Listener) Symbols() []string {
	return l.symbols
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	connectionState.WithLabelValues(ExchangeBinance).Set(float64(s))
}

// IsHealthy reports an error unless the listener is connected.
func (l *Listener) IsHealthy(_ context.Context) error {
	if s := l.State(); s != StateOpen {
		return fmt.Errorf("feed listener is %s", s)
	}
	return nil
}

// Dial establishes the first connection without retrying. The read loop started by Start uses it.
// It lets the caller treat an unreachable feed as a startup failure.
func (l *Listener) Dial(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.connLock.Lock()
	defer l.connLock.Unlock()
	if l.isStopped() {
		_ = conn.Close()
		return errors.New("listener is stopped")
	}
	if l.pending != nil {
		_ = l.pending.Close()
	}
	l.pending = conn
	return nil
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s, status %s: %w", l.url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", l.url, err)
	}
	return conn, nil
}

// Start runs the read loop in the background. The returned channel is closed once the loop has exited,
// after Stop or the cancellation of ctx.
func (l *Listener) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.run(ctx)
	}()
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done:
		}
	}()
	return done
}

// Stop closes the connection and ends the read loop without reconnecting. It is safe to call more
// than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.log.Info("Stopping feed listener")
		l.connLock.Lock()
		close(l.stopCh)
		if l.State() != StateClosed {
			l.setState(StateClosing)
		}
		conn, pending := l.conn, l.pending
		l.pending = nil
		l.connLock.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		}
		if pending != nil {
			_ = pending.Close()
		}
	})
}

func (l *Listener) isStopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Listener) stopping(ctx context.Context) bool {
	return l.isStopped() || ctx.Err() != nil
}

// attach makes conn the session connection, unless the listener was stopped in the meantime.
func (l *Listener) attach(conn *websocket.Conn) bool {
	l.connLock.Lock()
	defer l.connLock.Unlock()
	if l.isStopped() {
		return false
	}
	l.conn = conn
	return true
}

func (l *Listener) detach() {
	l.connLock.Lock()
	defer l.connLock.Unlock()
	l.conn = nil
}

func (l *Listener) takePending() *websocket.Conn {
	l.connLock.Lock()
	defer l.connLock.Unlock()
	conn := l.pending
	l.pending = nil
	return conn
}

func (l *Listener) run(ctx context.Context) {
	defer func() {
		l.setState(StateClosed)
		l.log.Info("Feed listener exited")
	}()
	for !l.stopping(ctx) {
		conn := l.takePending()
		if conn == nil {
			l.setState(StateConnecting)
			var err error
			if conn, err = l.dial(ctx); err != nil {
				if l.stopping(ctx) {
					return
				}
				delay := l.backoff.Next()
				reconnectCount.WithLabelValues(ExchangeBinance).Inc()
				l.log.Warnw("Failed to connect to feed, retrying", zap.Duration("backoff", delay), zap.Error(err))
				if !l.wait(ctx, delay) {
					return
				}
				continue
			}
		}
		if !l.attach(conn) {
			_ = conn.Close()
			return
		}
		l.backoff.Reset()
		l.setState(StateOpen)
		l.log.Infow("Connected to feed", zap.Strings("symbols", l.symbols))

		err := l.session(ctx, conn)
		l.detach()
		_ = conn.Close()
		if l.stopping(ctx) {
			return
		}
		l.setState(StateConnecting)
		delay := l.backoff.Next()
		reconnectCount.WithLabelValues(ExchangeBinance).Inc()
		l.log.Warnw("Feed disconnected, reconnecting", zap.Duration("backoff", delay), zap.Error(err))
		if !l.wait(ctx, delay) {
			return
		}
	}
}

// wait sleeps for d, it returns false if the listener was stopped meanwhile.
func (l *Listener) wait(ctx context.Context, d time.Duration) bool {
	timer := l.opts.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// session reads frames until the connection fails or is closed.
func (l *Listener) session(ctx context.Context, conn *websocket.Conn) error {
	readTimeout := l.opts.pingInterval + l.opts.pongTimeout
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	sessionDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(conn, sessionDone)
	}()
	defer func() {
		close(sessionDone)
		wg.Wait()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		l.handle(ctx, msg)
	}
}

// keepAlive pings the server every ping interval, a missing pong surfaces as a read timeout.
func (l *Listener) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := l.opts.clock.Ticker(l.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.opts.pongTimeout)); err != nil {
				l.log.Debugw("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg []byte) {
	messagesCount.WithLabelValues(ExchangeBinance).Inc()
	t, err := DecodeBinanceTrade(msg, l.opts.clock.Now().UnixMilli())
	if errors.Is(err, ErrNotTrade) {
		l.log.Debugw("Skipping non trade event", zap.Error(err))
		return
	}
	if err != nil {
		decodeErrorCount.WithLabelValues(ExchangeBinance).Inc()
		l.log.Warnw("Dropping malformed feed message", zap.String("payload", util.Truncate(string(msg), 200)), zap.Error(err))
		return
	}
	tradesCount.WithLabelValues(ExchangeBinance, t.Symbol).Inc()
	if err := l.sink.Accept(ctx, t); err != nil {
		if ctx.Err() != nil {
			return
		}
		sinkErrorCount.WithLabelValues(ExchangeBinance).Inc()
		l.log.Errorw("Failed to hand off trade", zap.String("key", t.IdempotencyKey()), zap.Error(err))
	}
}
