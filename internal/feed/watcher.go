package feed

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-matchsync/internal/obslog"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

type FrameCallback func(f Frame)

type StateCallback func(s State)

// HeaderProvider injects handshake headers, e.g. the gateway token.
type HeaderProvider func() map[string]string

type callbackEntry struct {
	id       int
	callback FrameCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// Watcher follows one feed URL and redials with backoff when the socket drops.
type Watcher struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	stateM sync.RWMutex

	frameCbs []callbackEntry
	stateCbs []stateCallbackEntry
	nextID   int
	cbM      sync.RWMutex

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

func NewWatcher(url string, maxReconnectAttempts int, reconnectDelay time.Duration) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		url:                  url,
		state:                StateDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectDelay:       reconnectDelay,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
		rootCtx:              ctx,
		rootCancel:           cancel,
	}
}

// SetHeaderProvider must be called before Connect.
func (w *Watcher) SetHeaderProvider(h HeaderProvider) { w.headerProvider = h }

func (w *Watcher) Connect(ctx context.Context) error {
	if s := w.State(); s == StateConnected || s == StateConnecting {
		return nil
	}
	w.setState(StateConnecting)
	if err := w.dial(ctx); err != nil {
		w.setState(StateFailed)
		w.scheduleReconnect()
		return err
	}
	return nil
}

func (w *Watcher) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, w.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      w.buildHeaders(),
	})
	if err != nil {
		return err
	}
	if w.isStopping() {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		return nil
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.setState(StateConnected)

	w.wg.Add(2)
	go w.listen(conn)
	go w.pingLoop(conn)
	return nil
}

func (w *Watcher) listen(conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		var f Frame
		if err := wsjson.Read(w.rootCtx, conn, &f); err != nil {
			if w.isStopping() {
				return
			}
			obslog.L().Info("feed_watcher_read_failed", zap.String("url", w.url), zap.Error(err))
			w.setState(StateDisconnected)
			w.closeConn(conn, websocket.StatusGoingAway, "reconnect")
			w.scheduleReconnect()
			return
		}

		w.cbM.RLock()
		callbacks := make([]callbackEntry, len(w.frameCbs))
		copy(callbacks, w.frameCbs)
		w.cbM.RUnlock()
		for _, entry := range callbacks {
			entry.callback(f)
		}
	}
}

// pingLoop only closes the socket; listen notices and schedules the redial.
func (w *Watcher) pingLoop(conn *websocket.Conn) {
	defer w.wg.Done()
	t := time.NewTicker(w.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(w.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				w.closeConn(conn, websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (w *Watcher) scheduleReconnect() {
	if w.maxReconnectAttempts <= 0 || w.isStopping() {
		return
	}
	w.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= w.maxReconnectAttempts; attempt++ {
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.backoff(attempt)):
			}
			if err := w.dial(w.rootCtx); err == nil {
				return
			}
		}
		w.setState(StateFailed)
	}()
}

func (w *Watcher) backoff(attempt int) time.Duration {
	d := w.reconnectDelay * time.Duration(1<<(attempt-1))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (w *Watcher) OnFrame(cb FrameCallback) int {
	w.cbM.Lock()
	defer w.cbM.Unlock()
	w.nextID++
	w.frameCbs = append(w.frameCbs, callbackEntry{id: w.nextID, callback: cb})
	return w.nextID
}

func (w *Watcher) RemoveFrameCallback(id int) {
	w.cbM.Lock()
	defer w.cbM.Unlock()
	for i, cb := range w.frameCbs {
		if cb.id == id {
			w.frameCbs = append(w.frameCbs[:i], w.frameCbs[i+1:]...)
			break
		}
	}
}

func (w *Watcher) OnStateChange(cb StateCallback) int {
	w.cbM.Lock()
	defer w.cbM.Unlock()
	w.nextID++
	w.stateCbs = append(w.stateCbs, stateCallbackEntry{id: w.nextID, callback: cb})
	return w.nextID
}

func (w *Watcher) State() State {
	w.stateM.RLock()
	defer w.stateM.RUnlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.stateM.Lock()
	w.state = s
	w.stateM.Unlock()

	w.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(w.stateCbs))
	copy(callbacks, w.stateCbs)
	w.cbM.RUnlock()
	for _, entry := range callbacks {
		entry.callback(s)
	}
}

func (w *Watcher) Close(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		w.closeConn(conn, websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		w.rootCancel()
		return nil
	}
}

func (w *Watcher) closeConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	_ = conn.Close(code, reason)
}

func (w *Watcher) isStopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Watcher) buildHeaders() http.Header {
	hdr := http.Header{}
	if w.headerProvider == nil {
		return hdr
	}
	for k, v := range w.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
