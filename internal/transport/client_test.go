package transport

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

// fakeConn is an in-memory Conn; tests feed inbound frames and observe
// writes through channels.
type fakeConn struct {
	inbound    chan []byte
	writes     chan wire.Message
	closed     chan struct{}
	closeOnce  sync.Once
	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		writes:  make(chan wire.Message, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, msg wire.Message) error {
	if f.failWrites.Load() {
		return errors.New("broken pipe")
	}
	select {
	case f.writes <- msg:
	default:
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// dialScript hands out scripted dial results in order; once exhausted
// every further dial fails.
type dialScript struct {
	mu      sync.Mutex
	results []any // *fakeConn or error
	calls   int
	lastURL string
}

func (d *dialScript) enqueue(results ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

func (d *dialScript) dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastURL = rawURL
	if len(d.results) == 0 {
		return nil, errors.New("dial refused")
	}
	next := d.results[0]
	d.results = d.results[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*fakeConn), nil
}

func (d *dialScript) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type staticTokens struct {
	err error
}

func (s staticTokens) Token(_ context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "test-bearer", nil
}

func testConfig() Config {
	return Config{
		BaseURL:              "ws://tracking.test",
		ConnectTimeout:       time.Second,
		HeartbeatInterval:    time.Hour,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxAttempts: 3,
		OutboxLimit:          8,
		SendRatePerSecond:    1000,
	}
}

func testSession() wire.SessionConfig {
	return wire.SessionConfig{
		Role:              wire.RoleTraveler,
		DisplayName:       "Ana",
		GroupID:           "trip-42",
		SampleInterval:    5 * time.Second,
		HeartbeatInterval: time.Hour,
	}
}

func newTestClient(cfg Config, script *dialScript) *Client {
	return NewClient(cfg, staticTokens{}, logger.NewDefault(), WithDialer(script.dial))
}

func recvMessage(t *testing.T, ch chan wire.Message) wire.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a written message")
		return wire.Message{}
	}
}

func TestClient_Connect(t *testing.T) {
	t.Run("should connect and embed role, group and token in the URL", func(t *testing.T) {
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(testConfig(), script)
		defer client.Close()

		require.NoError(t, client.Connect(context.Background(), testSession()))
		assert.Equal(t, wire.StateConnected, client.State())
		assert.Contains(t, script.lastURL, "/ws/tracking/traveler")
		assert.Contains(t, script.lastURL, "token=test-bearer")
		assert.Contains(t, script.lastURL, "group_id=trip-42")
	})

	t.Run("should treat a repeat connect with the same session as a no-op", func(t *testing.T) {
		script := &dialScript{}
		script.enqueue(newFakeConn())
		client := newTestClient(testConfig(), script)
		defer client.Close()

		require.NoError(t, client.Connect(context.Background(), testSession()))
		require.NoError(t, client.Connect(context.Background(), testSession()))
		assert.Equal(t, 1, script.callCount())
	})

	t.Run("should reject a connect with a different session while connected", func(t *testing.T) {
		script := &dialScript{}
		script.enqueue(newFakeConn())
		client := newTestClient(testConfig(), script)
		defer client.Close()

		require.NoError(t, client.Connect(context.Background(), testSession()))

		other := testSession()
		other.GroupID = "trip-43"
		err := client.Connect(context.Background(), other)
		require.Error(t, err)
		assert.True(t, wire.HasCode(err, wire.CodeConfig))
		assert.Equal(t, wire.StateConnected, client.State(), "the existing connection must survive")
		assert.Equal(t, 1, script.callCount())
	})

	t.Run("should reject an invalid session config", func(t *testing.T) {
		script := &dialScript{}
		client := newTestClient(testConfig(), script)

		err := client.Connect(context.Background(), wire.SessionConfig{})
		require.Error(t, err)
		assert.True(t, wire.HasCode(err, wire.CodeConfig))
		assert.Zero(t, script.callCount())
	})

	t.Run("should not retry a failed initial connect", func(t *testing.T) {
		script := &dialScript{} // every dial fails
		client := newTestClient(testConfig(), script)

		err := client.Connect(context.Background(), testSession())
		require.Error(t, err)
		assert.True(t, wire.HasCode(err, wire.CodeConnectivity))
		assert.Equal(t, wire.StateDisconnected, client.State())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, script.callCount())
	})

	t.Run("should fail when the token provider fails", func(t *testing.T) {
		script := &dialScript{}
		script.enqueue(newFakeConn())
		client := NewClient(testConfig(), staticTokens{err: errors.New("auth down")}, logger.NewDefault(), WithDialer(script.dial))

		err := client.Connect(context.Background(), testSession())
		require.Error(t, err)
		assert.Zero(t, script.callCount())
	})

	t.Run("should discard a connect superseded by Close", func(t *testing.T) {
		conn := newFakeConn()
		release := make(chan struct{})
		dialed := make(chan struct{})
		client := NewClient(testConfig(), staticTokens{}, logger.NewDefault(), WithDialer(func(ctx context.Context, _ string) (Conn, error) {
			close(dialed)
			<-release
			return conn, nil
		}))

		errCh := make(chan error, 1)
		go func() {
			errCh <- client.Connect(context.Background(), testSession())
		}()

		<-dialed
		require.NoError(t, client.Close())
		close(release)

		err := <-errCh
		require.Error(t, err)
		assert.Equal(t, wire.StateDisconnected, client.State())
		assert.True(t, conn.isClosed(), "the late connection must be closed, not adopted")
	})
}

func TestClient_Send(t *testing.T) {
	t.Run("should deliver immediately while connected", func(t *testing.T) {
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(testConfig(), script)
		defer client.Close()
		require.NoError(t, client.Connect(context.Background(), testSession()))

		assert.True(t, client.Send(wire.MustMessage(wire.TypeLocation, nil)))
		assert.Equal(t, wire.TypeLocation, recvMessage(t, conn.writes).Type)
	})

	t.Run("should buffer while disconnected and flush on connect", func(t *testing.T) {
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(testConfig(), script)
		defer client.Close()

		assert.False(t, client.Send(wire.MustMessage(wire.TypeLocation, map[string]int{"seq": 1})))

		require.NoError(t, client.Connect(context.Background(), testSession()))
		msg := recvMessage(t, conn.writes)
		assert.Equal(t, wire.TypeLocation, msg.Type)
	})

	t.Run("should drop the oldest buffered message at the cap", func(t *testing.T) {
		cfg := testConfig()
		cfg.OutboxLimit = 2
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(cfg, script)
		defer client.Close()

		for seq := 1; seq <= 3; seq++ {
			client.Send(wire.MustMessage(wire.TypeLocation, map[string]int{"seq": seq}))
		}
		require.NoError(t, client.Connect(context.Background(), testSession()))

		var seqs []int
		for i := 0; i < 2; i++ {
			var payload struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(recvMessage(t, conn.writes).Data, &payload))
			seqs = append(seqs, payload.Seq)
		}
		assert.Equal(t, []int{2, 3}, seqs)
		assert.Empty(t, conn.writes)
	})

	t.Run("should buffer the message whose write failed", func(t *testing.T) {
		cfg := testConfig()
		cfg.DisableAutoReconnect = true
		conn1 := newFakeConn()
		conn2 := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn1)
		client := newTestClient(cfg, script)
		defer client.Close()
		require.NoError(t, client.Connect(context.Background(), testSession()))

		conn1.failWrites.Store(true)
		assert.False(t, client.Send(wire.MustMessage(wire.TypeLocation, map[string]int{"seq": 7})))
		assert.Eventually(t, func() bool {
			return client.State() == wire.StateDisconnected
		}, 2*time.Second, 5*time.Millisecond)

		script.enqueue(conn2)
		require.NoError(t, client.Connect(context.Background(), testSession()))

		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(recvMessage(t, conn2.writes).Data, &payload))
		assert.Equal(t, 7, payload.Seq)
	})
}

func TestClient_Reconnect(t *testing.T) {
	t.Run("should reconnect with backoff after an established connection drops", func(t *testing.T) {
		conn1 := newFakeConn()
		conn2 := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn1, errors.New("still down"), conn2)
		client := newTestClient(testConfig(), script)
		defer client.Close()
		require.NoError(t, client.Connect(context.Background(), testSession()))

		var mu sync.Mutex
		var states []wire.ConnectionState
		client.OnStateChange(func(s wire.ConnectionState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		conn1.Close()

		assert.Eventually(t, func() bool {
			return client.State() == wire.StateConnected && script.callCount() == 3
		}, 2*time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, states, wire.StateReconnecting)
		assert.Contains(t, states, wire.StateConnected)
	})

	t.Run("should stay disconnected after exhausting attempts until a fresh Connect", func(t *testing.T) {
		conn1 := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn1) // all reconnect dials fail
		client := newTestClient(testConfig(), script)
		defer client.Close()
		require.NoError(t, client.Connect(context.Background(), testSession()))

		conn1.Close()

		assert.Eventually(t, func() bool {
			return client.State() == wire.StateDisconnected && script.callCount() == 4
		}, 2*time.Second, 5*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 4, script.callCount(), "no dials after exhaustion")

		script.enqueue(newFakeConn())
		require.NoError(t, client.Connect(context.Background(), testSession()))
		assert.Equal(t, wire.StateConnected, client.State())
	})

	t.Run("should not reconnect after Close", func(t *testing.T) {
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(testConfig(), script)
		require.NoError(t, client.Connect(context.Background(), testSession()))

		require.NoError(t, client.Close())
		assert.Equal(t, wire.StateDisconnected, client.State())
		assert.True(t, conn.isClosed())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, script.callCount())
	})
}

func TestClient_StateNotifications(t *testing.T) {
	t.Run("should deliver state changes in transition order even with a slow observer", func(t *testing.T) {
		conn1 := newFakeConn()
		conn2 := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn1, conn2)
		client := newTestClient(testConfig(), script)
		defer client.Close()

		var mu sync.Mutex
		var states []wire.ConnectionState
		client.OnStateChange(func(s wire.ConnectionState) {
			// A busy observer must not let a later transition overtake
			// an earlier one.
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})

		require.NoError(t, client.Connect(context.Background(), testSession()))
		conn1.Close()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(states) == 4
		}, 5*time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []wire.ConnectionState{
			wire.StateConnecting,
			wire.StateConnected,
			wire.StateReconnecting,
			wire.StateConnected,
		}, states)
		assert.Equal(t, client.State(), states[len(states)-1],
			"the last delivered state must match the source of truth")
	})
}

func TestClient_Inbound(t *testing.T) {
	t.Run("should drop malformed frames without dropping the connection", func(t *testing.T) {
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(testConfig(), script)
		defer client.Close()
		require.NoError(t, client.Connect(context.Background(), testSession()))

		var mu sync.Mutex
		var alerts []wire.Message
		client.Subscribe(wire.TypeAlert, func(msg wire.Message) {
			mu.Lock()
			alerts = append(alerts, msg)
			mu.Unlock()
		})

		conn.inbound <- []byte(`{broken`)
		conn.inbound <- []byte(`{"data":{"no":"type"}}`)
		conn.inbound <- []byte(`{"type":"ALERT","data":{"note":"storm inbound"}}`)

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(alerts) == 1
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, wire.StateConnected, client.State())
	})
}

func TestClient_Heartbeat(t *testing.T) {
	t.Run("should send pings at the session cadence", func(t *testing.T) {
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(testConfig(), script)
		defer client.Close()

		session := testSession()
		session.HeartbeatInterval = 20 * time.Millisecond
		require.NoError(t, client.Connect(context.Background(), session))

		assert.Equal(t, wire.TypePing, recvMessage(t, conn.writes).Type)
	})

	t.Run("should stay up while pongs keep arriving", func(t *testing.T) {
		cfg := testConfig()
		cfg.PongTimeoutEnabled = true
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(cfg, script)
		defer client.Close()

		// Answer every ping with a pong.
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case msg := <-conn.writes:
					if msg.Type == wire.TypePing {
						conn.inbound <- []byte(`{"type":"PONG"}`)
					}
				case <-done:
					return
				}
			}
		}()

		session := testSession()
		session.HeartbeatInterval = 20 * time.Millisecond
		require.NoError(t, client.Connect(context.Background(), session))

		time.Sleep(250 * time.Millisecond)
		assert.Equal(t, wire.StateConnected, client.State())
	})

	t.Run("should release the heartbeat loop as soon as the connection drops", func(t *testing.T) {
		cfg := testConfig()
		cfg.DisableAutoReconnect = true
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)

		baseline := runtime.NumGoroutine()
		client := newTestClient(cfg, script)
		defer client.Close()

		// An hour-long cadence: waiting for the next tick would pin the
		// goroutine (and the dead conn) essentially forever.
		session := testSession()
		session.HeartbeatInterval = time.Hour
		require.NoError(t, client.Connect(context.Background(), session))

		conn.Close()

		assert.Eventually(t, func() bool {
			return client.State() == wire.StateDisconnected && runtime.NumGoroutine() <= baseline
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("should tear down a connection whose pongs stopped", func(t *testing.T) {
		cfg := testConfig()
		cfg.PongTimeoutEnabled = true
		cfg.DisableAutoReconnect = true
		conn := newFakeConn()
		script := &dialScript{}
		script.enqueue(conn)
		client := newTestClient(cfg, script)
		defer client.Close()

		session := testSession()
		session.HeartbeatInterval = 15 * time.Millisecond
		require.NoError(t, client.Connect(context.Background(), session))

		assert.Eventually(t, func() bool {
			return client.State() == wire.StateDisconnected
		}, 2*time.Second, 5*time.Millisecond)
		assert.True(t, conn.isClosed())
	})
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second

	assert.Equal(t, 2*time.Second, BackoffDelay(base, 1))
	assert.Equal(t, 3*time.Second, BackoffDelay(base, 2))
	assert.Equal(t, 4500*time.Millisecond, BackoffDelay(base, 3))

	t.Run("should grow monotonically", func(t *testing.T) {
		for attempt := 1; attempt < 8; attempt++ {
			assert.Less(t, BackoffDelay(base, attempt), BackoffDelay(base, attempt+1))
		}
	})

	t.Run("should clamp attempts below one", func(t *testing.T) {
		assert.Equal(t, BackoffDelay(base, 1), BackoffDelay(base, 0))
	})
}
