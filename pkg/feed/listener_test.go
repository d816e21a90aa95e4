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

package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/numaproj/tradewatch/pkg/records"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExchange accepts websocket connections and hands them to the test.
type fakeExchange struct {
	srv        *httptest.Server
	conns      chan *websocket.Conn
	userAgents chan string
	lock       sync.Mutex
	accepted   []*websocket.Conn
}

func newFakeExchange(t *testing.T) *fakeExchange {
	f := &fakeExchange{
		conns:      make(chan *websocket.Conn, 16),
		userAgents: make(chan string, 16),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		f.lock.Lock()
		f.accepted = append(f.accepted, conn)
		f.lock.Unlock()
		f.userAgents <- r.Header.Get("User-Agent")
		f.conns <- conn
	}))
	t.Cleanup(f.close)
	return f
}

func (f *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream?streams=btcusdt@trade"
}

func (f *fakeExchange) next(t *testing.T) *websocket.Conn {
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (f *fakeExchange) close() {
	f.lock.Lock()
	for _, c := range f.accepted {
		_ = c.Close()
	}
	f.lock.Unlock()
	f.srv.Close()
}

type collectingSink struct {
	trades chan records.TradeRecord
}

func newCollectingSink() *collectingSink {
	return &collectingSink{trades: make(chan records.TradeRecord, 100)}
}

func (c *collectingSink) Accept(_ context.Context, t records.TradeRecord) error {
	c.trades <- t
	return nil
}

func (c *collectingSink) next(t *testing.T) records.TradeRecord {
	select {
	case tr := <-c.trades:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a trade")
		return records.TradeRecord{}
	}
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not exit")
	}
}

const btcTrade = `{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":1,"p":"37000","q":"0.4","T":1700000000050,"m":false}}`

func TestNewListener(t *testing.T) {
	sink := newCollectingSink()
	l, err := NewListener("", nil, sink)
	require.NoError(t, err)
	assert.Equal(t, DefaultSymbols, l.Symbols())
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade/bnbusdt@trade", l.URL())
	assert.Equal(t, StateConnecting, l.State())
	assert.Error(t, l.IsHealthy(context.Background()))

	l, err = NewListener("wss://example.com/ws", []string{" solusdt "}, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOLUSDT"}, l.Symbols())
	assert.Equal(t, "wss://example.com/ws", l.URL())

	_, err = NewListener("", nil, nil)
	assert.Error(t, err)
	_, err = NewListener("", nil, sink, WithPingInterval(0))
	assert.Error(t, err)
	_, err = NewListener("", nil, sink, WithBackoff(time.Minute, time.Second))
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Connecting", StateConnecting.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "Closing", StateClosing.String())
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "State(7)", State(7).String())
}

func TestListener_ReadsTrades(t *testing.T) {
	f := newFakeExchange(t)
	sink := newCollectingSink()
	l, err := NewListener(f.url(), []string{"BTCUSDT"}, sink, WithUserAgent("tradewatch/test"))
	require.NoError(t, err)

	done := l.Start(context.Background())
	conn := f.next(t)
	assert.Equal(t, "tradewatch/test", <-f.userAgents)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(btcTrade)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"e":"trade","s":"BTCUSDT","t":2,"p":"37001","q":"0.5","T":1700000000060,"m":true}`)))

	first := sink.next(t)
	second := sink.next(t)
	assert.Equal(t, "1", first.TradeID)
	assert.Equal(t, records.SideBuy, first.Side)
	assert.Equal(t, "2", second.TradeID)
	assert.Equal(t, records.SideSell, second.Side)
	assert.Equal(t, StateOpen, l.State())
	assert.NoError(t, l.IsHealthy(context.Background()))

	l.Stop()
	l.Stop()
	waitClosed(t, done)
	assert.Equal(t, StateClosed, l.State())
	assert.Empty(t, sink.trades)
}

func TestListener_Reconnects(t *testing.T) {
	f := newFakeExchange(t)
	sink := newCollectingSink()
	l, err := NewListener(f.url(), nil, sink, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := l.Start(ctx)

	first := f.next(t)
	require.NoError(t, first.Close())

	second := f.next(t)
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(btcTrade)))
	assert.Equal(t, "BTCUSDT", sink.next(t).Symbol)

	cancel()
	waitClosed(t, done)
	assert.Equal(t, StateClosed, l.State())
}

func TestListener_MissingPongReconnects(t *testing.T) {
	f := newFakeExchange(t)
	l, err := NewListener(f.url(), nil, newCollectingSink(),
		WithPingInterval(20*time.Millisecond),
		WithPongTimeout(20*time.Millisecond),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	done := l.Start(context.Background())
	// the server never reads, so pings are never answered
	_ = f.next(t)
	_ = f.next(t)
	l.Stop()
	waitClosed(t, done)
}

func TestListener_Dial(t *testing.T) {
	f := newFakeExchange(t)
	sink := newCollectingSink()
	l, err := NewListener(f.url(), nil, sink)
	require.NoError(t, err)
	require.NoError(t, l.Dial(context.Background()))
	conn := f.next(t)

	done := l.Start(context.Background())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(btcTrade)))
	assert.Equal(t, "1", sink.next(t).TradeID)
	// the read loop used the dialed connection
	assert.Empty(t, f.conns)

	l.Stop()
	waitClosed(t, done)
	assert.Error(t, l.Dial(context.Background()))
}

func TestListener_DialFailure(t *testing.T) {
	f := newFakeExchange(t)
	url := f.url()
	f.close()

	l, err := NewListener(url, nil, newCollectingSink())
	require.NoError(t, err)
	assert.Error(t, l.Dial(context.Background()))
}

func TestListener_StopDuringBackoff(t *testing.T) {
	f := newFakeExchange(t)
	url := f.url()
	f.close()

	l, err := NewListener(url, nil, newCollectingSink(), WithBackoff(time.Hour, time.Hour))
	require.NoError(t, err)
	done := l.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnecting, l.State())
	l.Stop()
	waitClosed(t, done)
	assert.Equal(t, StateClosed, l.State())
}

func TestListener_StopBeforeStart(t *testing.T) {
	l, err := NewListener("ws://127.0.0.1:1/ws", nil, newCollectingSink())
	require.NoError(t, err)
	l.Stop()
	waitClosed(t, l.Start(context.Background()))
	assert.Equal(t, StateClosed, l.State())
}

func TestListener_SinkErrorIsNotFatal(t *testing.T) {
	f := newFakeExchange(t)
	accepted := make(chan string, 4)
	calls := 0
	sink := TradeSinkFunc(func(_ context.Context, tr records.TradeRecord) error {
		calls++
		if calls == 1 {
			return errors.New("buffer full")
		}
		accepted <- tr.TradeID
		return nil
	})
	l, err := NewListener(f.url(), nil, sink)
	require.NoError(t, err)
	done := l.Start(context.Background())
	conn := f.next(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(btcTrade)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"e":"trade","s":"BTCUSDT","t":3,"p":"1","q":"1"}`)))
	select {
	case id := <-accepted:
		assert.Equal(t, "3", id)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a trade")
	}
	l.Stop()
	waitClosed(t, done)
}
