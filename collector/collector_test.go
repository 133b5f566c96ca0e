package collector

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"kartgate/decode"
	"kartgate/models"
	"kartgate/session"
)

const snapshotFrame = `grid||<tbody>` +
	`<tr data-id="r0"><td data-id="c1">Clt</td><td data-id="c2">Pilote</td><td data-id="c3">Dernier T.</td></tr>` +
	`<tr data-id="r7"><td>1</td><td>NORRIS</td><td>52.114</td></tr>` +
	`</tbody>`

type fakeConn struct {
	frames  chan string
	closed  chan struct{}
	pingErr error
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan string, 8), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("websocket: close 1006 (abnormal closure)")
		}
		return websocket.TextMessage, []byte(f), nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return c.pingErr }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeSink struct {
	data     chan *models.DataPayload
	statuses chan models.CircuitStatus
	errs     chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		data:     make(chan *models.DataPayload, 16),
		statuses: make(chan models.CircuitStatus, 16),
		errs:     make(chan string, 16),
	}
}

func (s *fakeSink) Broadcast(_ string, p *models.DataPayload)    { s.data <- p }
func (s *fakeSink) SendStatus(_ string, st models.CircuitStatus) { s.statuses <- st }
func (s *fakeSink) SendError(_ string, msg string)               { s.errs <- msg }

type fakeStore struct {
	mappings chan models.Mapping
	flags    chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{mappings: make(chan models.Mapping, 4), flags: make(chan string, 4)}
}

func (s *fakeStore) WriteMapping(_ context.Context, _ string, m models.Mapping) error {
	s.mappings <- m
	return nil
}

func (s *fakeStore) WriteNeedsConfiguration(_ context.Context, circuitID string) error {
	s.flags <- circuitID
	return nil
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: time.Hour, // quiet during tests
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		MaxAttempts:       3,
	}
}

func waitData(ch chan *models.DataPayload) *models.DataPayload {
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		return nil
	}
}

func waitStatus(ch chan models.CircuitStatus) (models.CircuitStatus, bool) {
	select {
	case st := <-ch:
		return st, true
	case <-time.After(2 * time.Second):
		return models.CircuitStatus{}, false
	}
}

func TestPipeline(t *testing.T) {
	Convey("Given a collector wired to a fake upstream", t, func() {
		conn := newFakeConn()
		sink := newFakeSink()
		store := newFakeStore()
		dial := func(context.Context, string) (Conn, error) { return conn, nil }

		c := New("spa", "wss://fake/spa", decode.New(nil),
			session.New("spa", nil), sink, store, dial, testConfig(), nil)
		So(c.Start(context.Background()), ShouldBeNil)
		defer c.Stop()

		Convey("Connecting announces timing connected", func() {
			st, ok := waitStatus(sink.statuses)
			So(ok, ShouldBeTrue)
			So(st.TimingConnected, ShouldBeTrue)
		})

		Convey("A snapshot frame broadcasts drivers and persists the mapping", func() {
			conn.frames <- snapshotFrame

			p := waitData(sink.data)
			So(p, ShouldNotBeNil)
			So(p.Type, ShouldEqual, models.TypeKartingData)
			So(p.CircuitID, ShouldEqual, "spa")
			So(p.Drivers["7"]["Driver"], ShouldEqual, "NORRIS")
			So(p.ColumnOrder, ShouldResemble, []string{"Position", "Driver", "LastLap"})

			select {
			case m := <-store.mappings:
				So(m[2], ShouldEqual, "Driver")
			case <-time.After(2 * time.Second):
				So("mapping persisted", ShouldBeEmpty)
			}

			Convey("and a following delta broadcasts the merged state", func() {
				conn.frames <- "r7c3|tn|51.990"
				p := waitData(sink.data)
				So(p, ShouldNotBeNil)
				So(p.Drivers["7"]["LastLap"], ShouldEqual, "51.990")
				So(p.MessageCount, ShouldEqual, 2)
			})
		})

		Convey("A frame that changes nothing is not broadcast", func() {
			conn.frames <- snapshotFrame
			So(waitData(sink.data), ShouldNotBeNil)
			conn.frames <- snapshotFrame

			select {
			case p := <-sink.data:
				So(p, ShouldBeNil)
			case <-time.After(100 * time.Millisecond):
			}
		})

		Convey("Stop announces timing disconnected and halts", func() {
			c.Stop()
			So(c.Status(), ShouldEqual, StatusStopped)
		})
	})
}

func TestInferenceFailureFlagsCircuit(t *testing.T) {
	Convey("Given an upstream whose snapshot header is too sparse", t, func() {
		conn := newFakeConn()
		sink := newFakeSink()
		store := newFakeStore()
		dial := func(context.Context, string) (Conn, error) { return conn, nil }

		c := New("spa", "wss://fake/spa", decode.New(nil),
			session.New("spa", nil), sink, store, dial, testConfig(), nil)
		So(c.Start(context.Background()), ShouldBeNil)
		defer c.Stop()

		conn.frames <- `grid||<tbody><tr data-id="r0"><td data-id="c1">Clt</td><td data-id="c2">Pilote</td></tr></tbody>`

		Convey("The needs-configuration flag is written", func() {
			select {
			case id := <-store.flags:
				So(id, ShouldEqual, "spa")
			case <-time.After(2 * time.Second):
				So("flag written", ShouldBeEmpty)
			}
		})
	})
}

func TestReconnect(t *testing.T) {
	Convey("Given an upstream that drops its first connection", t, func() {
		var dials atomic.Int32
		conns := make(chan *fakeConn, 4)
		sink := newFakeSink()
		dial := func(context.Context, string) (Conn, error) {
			dials.Add(1)
			c := newFakeConn()
			conns <- c
			return c, nil
		}

		c := New("spa", "wss://fake/spa", decode.New(nil),
			session.New("spa", nil), sink, newFakeStore(), dial, testConfig(), nil)
		So(c.Start(context.Background()), ShouldBeNil)
		defer c.Stop()

		first := <-conns
		close(first.frames) // upstream drops

		Convey("The collector dials again and streams the new connection", func() {
			select {
			case <-conns:
			case <-time.After(2 * time.Second):
				So("second dial", ShouldBeEmpty)
			}
			So(dials.Load(), ShouldBeGreaterThanOrEqualTo, 2)

			// connected, disconnected, connected again
			for i := 0; i < 3; i++ {
				_, ok := waitStatus(sink.statuses)
				So(ok, ShouldBeTrue)
			}
			So(c.Status(), ShouldEqual, StatusStreaming)
		})
	})
}

func TestHeartbeatFailure(t *testing.T) {
	Convey("Given an upstream whose pings start failing", t, func() {
		var dials atomic.Int32
		conns := make(chan *fakeConn, 4)
		sink := newFakeSink()
		dial := func(context.Context, string) (Conn, error) {
			c := newFakeConn()
			if dials.Add(1) == 1 {
				c.pingErr = errors.New("write tcp: broken pipe")
			}
			conns <- c
			return c, nil
		}

		cfg := testConfig()
		cfg.HeartbeatInterval = 5 * time.Millisecond
		c := New("spa", "wss://fake/spa", decode.New(nil),
			session.New("spa", nil), sink, newFakeStore(), dial, cfg, nil)
		So(c.Start(context.Background()), ShouldBeNil)
		defer c.Stop()

		Convey("A failed ping is a connection failure and forces a redial", func() {
			first := <-conns
			select {
			case <-first.closed:
			case <-time.After(2 * time.Second):
				So("connection closed after ping failure", ShouldBeEmpty)
			}

			select {
			case <-conns:
			case <-time.After(2 * time.Second):
				So("second dial", ShouldBeEmpty)
			}
			So(dials.Load(), ShouldBeGreaterThanOrEqualTo, 2)
		})
	})
}

func TestBackoffDelayAfterDrop(t *testing.T) {
	Convey("Given a streaming collector whose upstream drops", t, func() {
		var dialTimes []time.Time
		var mu sync.Mutex
		conns := make(chan *fakeConn, 4)
		dial := func(context.Context, string) (Conn, error) {
			mu.Lock()
			dialTimes = append(dialTimes, time.Now())
			mu.Unlock()
			c := newFakeConn()
			conns <- c
			return c, nil
		}

		cfg := testConfig()
		cfg.BackoffInitial = 300 * time.Millisecond
		cfg.BackoffMax = time.Second
		c := New("spa", "wss://fake/spa", decode.New(nil),
			session.New("spa", nil), newFakeSink(), newFakeStore(), dial, cfg, nil)
		So(c.Start(context.Background()), ShouldBeNil)
		defer c.Stop()

		first := <-conns
		close(first.frames)

		Convey("The first redial waits the initial backoff interval", func() {
			select {
			case <-conns:
				So("redial before the backoff interval", ShouldBeEmpty)
			case <-time.After(100 * time.Millisecond):
			}

			select {
			case <-conns:
			case <-time.After(2 * time.Second):
				So("redial after the backoff interval", ShouldBeEmpty)
			}

			mu.Lock()
			gap := dialTimes[1].Sub(dialTimes[0])
			mu.Unlock()
			So(gap, ShouldBeGreaterThanOrEqualTo, cfg.BackoffInitial)
		})
	})
}

func TestReconnectBudget(t *testing.T) {
	Convey("Given an upstream that never answers", t, func() {
		var dials atomic.Int32
		sink := newFakeSink()
		dial := func(context.Context, string) (Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		}

		c := New("spa", "wss://fake/spa", decode.New(nil),
			session.New("spa", nil), sink, newFakeStore(), dial, testConfig(), nil)
		So(c.Start(context.Background()), ShouldBeNil)

		Convey("The collector gives up after its attempt budget", func() {
			select {
			case msg := <-sink.errs:
				So(msg, ShouldContainSubstring, "connection refused")
			case <-time.After(2 * time.Second):
				So("gave up", ShouldBeEmpty)
			}
			st, ok := waitStatus(sink.statuses)
			So(ok, ShouldBeTrue)
			So(st.TimingConnected, ShouldBeFalse)

			c.Stop()
			So(c.Status(), ShouldEqual, StatusStopped)
			So(dials.Load(), ShouldBeGreaterThanOrEqualTo, 3)
		})
	})
}

func TestManager(t *testing.T) {
	Convey("Given a collector manager", t, func() {
		sink := newFakeSink()
		dial := func(context.Context, string) (Conn, error) { return newFakeConn(), nil }
		m := NewManager(decode.New(nil), session.NewRegistry(nil),
			sink, newFakeStore(), dial, testConfig(), nil)
		ctx := context.Background()

		Convey("Start begins collection exactly once per circuit", func() {
			So(m.Start(ctx, "spa", "wss://fake/spa"), ShouldBeNil)
			So(m.Collecting("spa"), ShouldBeTrue)
			So(m.Start(ctx, "spa", "wss://fake/spa"), ShouldNotBeNil)
			m.StopAll()
		})

		Convey("Stop halts a running collector and rejects unknown ones", func() {
			So(m.Start(ctx, "spa", "wss://fake/spa"), ShouldBeNil)
			So(m.Stop("spa"), ShouldBeNil)
			So(m.Collecting("spa"), ShouldBeFalse)
			So(m.Stop("spa"), ShouldNotBeNil)
			So(m.Stop("monza"), ShouldNotBeNil)
		})

		Convey("A stopped circuit can be started again", func() {
			So(m.Start(ctx, "spa", "wss://fake/spa"), ShouldBeNil)
			So(m.Stop("spa"), ShouldBeNil)
			So(m.Start(ctx, "spa", "wss://fake/spa"), ShouldBeNil)
			m.StopAll()
		})

		Convey("Infos reports every collector", func() {
			So(m.Start(ctx, "spa", "wss://fake/spa"), ShouldBeNil)
			So(m.Start(ctx, "monza", "wss://fake/monza"), ShouldBeNil)
			So(m.Infos(), ShouldHaveLength, 2)
			info, ok := m.Info("spa")
			So(ok, ShouldBeTrue)
			So(info.URL, ShouldEqual, "wss://fake/spa")
			m.StopAll()
			So(m.Infos(), ShouldBeEmpty)
		})
	})
}
