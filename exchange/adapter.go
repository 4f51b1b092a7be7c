package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

// Options tunes the shared driver. Zero values fall back to sane defaults.
type Options struct {
	// EventBuffer sizes the outbound event channel.
	EventBuffer int
	// ControlPerSecond and ControlBurst bound outbound control messages
	// (subscribe, unsubscribe). Exchanges reject clients that exceed their
	// per-connection message caps.
	ControlPerSecond int
	ControlBurst     int
}

func (o Options) withDefaults() Options {
	if o.EventBuffer <= 0 {
		o.EventBuffer = 1024
	}
	if o.ControlPerSecond <= 0 {
		o.ControlPerSecond = 5
	}
	if o.ControlBurst <= 0 {
		o.ControlBurst = 10
	}
	return o
}

// Adapter owns one exchange websocket connection. It drives the connection
// state machine, the heartbeat, reconnection with full resubscription and
// parsing fan-out, delegating everything wire-specific to its Protocol.
type Adapter struct {
	protocol Protocol
	cfg      models.ConnectionConfig
	strategy *ReconnectionStrategy
	limiter  *rate.Limiter
	log      *logger.Entry

	mu          sync.Mutex
	conn        *websocket.Conn
	state       models.ConnectionState
	connectedAt time.Time
	lastError   string
	latency     *time.Duration
	pingSentAt  time.Time
	subs        map[string]models.SubscriptionRequest

	eventsMu sync.Mutex
	events   chan models.MarketEvent
	closed   bool

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAdapter builds a driver around the given protocol and connection
// configuration. The adapter starts DISCONNECTED; call Connect to go live.
func NewAdapter(protocol Protocol, cfg models.ConnectionConfig, opts Options) *Adapter {
	cfg = cfg.WithDefaults()
	opts = opts.withDefaults()
	return &Adapter{
		protocol: protocol,
		cfg:      cfg,
		strategy: NewReconnectionStrategy(cfg.Reconnection),
		limiter:  rate.NewLimiter(rate.Limit(opts.ControlPerSecond), opts.ControlBurst),
		log:      logger.GetLogger().WithComponent(protocol.Name() + "_adapter"),
		state:    models.StateDisconnected,
		subs:     make(map[string]models.SubscriptionRequest),
		events:   make(chan models.MarketEvent, opts.EventBuffer),
	}
}

// Exchange returns the lowercase exchange identifier served by this adapter.
func (a *Adapter) Exchange() string {
	return a.protocol.Name()
}

// Events returns the adapter's outbound event stream. The channel is closed
// by Disconnect.
func (a *Adapter) Events() <-chan models.MarketEvent {
	return a.events
}

// Connect resolves the endpoint and opens the websocket. On success the read
// and heartbeat goroutines start and the adapter reports CONNECTED.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case models.StateConnected, models.StateConnecting, models.StateReconnecting:
		a.mu.Unlock()
		return &models.ConnectionError{Exchange: a.protocol.Name(), Message: "already connected"}
	case models.StateTerminated:
		a.mu.Unlock()
		return &models.ConnectionError{Exchange: a.protocol.Name(), Message: "adapter is terminated"}
	}
	a.state = models.StateConnecting
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		a.mu.Lock()
		a.state = models.StateDisconnected
		a.lastError = err.Error()
		a.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.ctx = runCtx
	a.cancel = cancel
	a.installConn(conn)
	a.mu.Unlock()

	a.strategy.Reset()
	a.log.WithFields(logger.Fields{"url": conn.RemoteAddr().String()}).Info("connected")
	a.emit(models.MarketEvent{Type: models.EventConnected, Timestamp: time.Now().UTC()})

	a.wg.Add(1)
	go a.run(conn)
	return nil
}

// Disconnect permanently tears down the connection. The adapter transitions
// to TERMINATED and its event channel is closed once the goroutines drain.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.state == models.StateTerminated {
		a.mu.Unlock()
		return
	}
	a.state = models.StateTerminated
	cancel := a.cancel
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		a.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		a.writeMu.Unlock()
		conn.Close()
	}
	a.wg.Wait()

	a.emit(models.MarketEvent{Type: models.EventDisconnected, Timestamp: time.Now().UTC()})
	a.eventsMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.eventsMu.Unlock()
	a.log.Info("disconnected")
}

// Subscribe opens the requested stream. Re-subscribing an active key is a
// no-op; subscribing while not connected fails with a ConnectionError.
func (a *Adapter) Subscribe(req models.SubscriptionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.state != models.StateConnected {
		state := a.state
		a.mu.Unlock()
		return &models.ConnectionError{
			Exchange: a.protocol.Name(),
			Message:  fmt.Sprintf("cannot subscribe while %s", state),
		}
	}
	if _, active := a.subs[req.Key()]; active {
		a.mu.Unlock()
		return nil
	}
	conn := a.conn
	ctx := a.ctx
	a.mu.Unlock()

	msgs, err := a.protocol.FormatSubscribe(req)
	if err != nil {
		return fmt.Errorf("format subscribe: %w", err)
	}
	for _, msg := range msgs {
		if err := a.sendControl(ctx, conn, msg); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.subs[req.Key()] = req
	a.mu.Unlock()
	a.log.WithFields(logger.Fields{"subscription": req.Key()}).Info("subscribed")

	if b, ok := a.protocol.(Bootstrapper); ok {
		a.wg.Add(1)
		go a.bootstrap(b, ctx, req)
	}
	return nil
}

// bootstrap seeds a new stream with out-of-band state (e.g. a REST order
// book snapshot). Failures are logged; the stream itself is unaffected.
func (a *Adapter) bootstrap(b Bootstrapper, ctx context.Context, req models.SubscriptionRequest) {
	defer a.wg.Done()
	if ctx == nil {
		ctx = context.Background()
	}

	events, err := b.Bootstrap(ctx, req)
	if err != nil {
		a.log.WithError(err).WithFields(logger.Fields{
			"subscription": req.Key(),
		}).Warn("stream bootstrap failed")
		return
	}
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		a.emit(ev)
	}
}

// Unsubscribe closes the requested stream. Unsubscribing an absent key is a
// no-op.
func (a *Adapter) Unsubscribe(req models.SubscriptionRequest) error {
	a.mu.Lock()
	if _, active := a.subs[req.Key()]; !active {
		a.mu.Unlock()
		return nil
	}
	delete(a.subs, req.Key())
	connected := a.state == models.StateConnected
	conn := a.conn
	ctx := a.ctx
	a.mu.Unlock()

	if !connected {
		return nil
	}

	msgs, err := a.protocol.FormatUnsubscribe(req)
	if err != nil {
		return fmt.Errorf("format unsubscribe: %w", err)
	}
	for _, msg := range msgs {
		if err := a.sendControl(ctx, conn, msg); err != nil {
			return err
		}
	}
	a.log.WithFields(logger.Fields{"subscription": req.Key()}).Info("unsubscribed")
	return nil
}

// Status returns a read-only snapshot of the connection.
func (a *Adapter) Status() models.ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	subs := make([]string, 0, len(a.subs))
	for key := range a.subs {
		subs = append(subs, key)
	}
	sort.Strings(subs)

	var latency *time.Duration
	if a.latency != nil {
		l := *a.latency
		latency = &l
	}

	return models.ConnectionStatus{
		Exchange:          a.protocol.Name(),
		State:             a.state,
		ConnectedAt:       a.connectedAt,
		ReconnectAttempts: a.strategy.Attempts(),
		LastError:         a.lastError,
		Subscriptions:     subs,
		Latency:           latency,
	}
}

// State returns the current connection state.
func (a *Adapter) State() models.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	url, err := a.protocol.ResolveURL(ctx)
	if err != nil {
		return nil, &models.ConnectionError{
			Exchange: a.protocol.Name(),
			Message:  "failed to resolve endpoint",
			Cause:    err,
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, &models.ConnectionError{
			Exchange: a.protocol.Name(),
			Message:  "dial failed",
			Cause:    err,
		}
	}
	return conn, nil
}

// installConn wires connection handlers. Caller holds a.mu.
func (a *Adapter) installConn(conn *websocket.Conn) {
	a.conn = conn
	a.state = models.StateConnected
	a.connectedAt = time.Now().UTC()
	a.lastError = ""
	a.latency = nil
	a.pingSentAt = time.Time{}

	readDeadline := a.cfg.PingInterval + a.cfg.PongTimeout
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		a.mu.Lock()
		if !a.pingSentAt.IsZero() {
			rtt := time.Since(a.pingSentAt)
			a.latency = &rtt
		}
		a.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
}

// run owns the connection lifecycle: read until failure, then reconnect,
// until the adapter is shut down or the attempt budget is exhausted.
func (a *Adapter) run(conn *websocket.Conn) {
	defer a.wg.Done()

	for {
		stopHeartbeat := make(chan struct{})
		a.wg.Add(1)
		go a.heartbeat(conn, stopHeartbeat)

		err := a.readLoop(conn)
		close(stopHeartbeat)
		conn.Close()

		select {
		case <-a.ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		if a.state == models.StateTerminated {
			a.mu.Unlock()
			return
		}
		a.lastError = err.Error()
		a.mu.Unlock()
		a.log.WithError(err).Warn("connection lost")

		next, ok := a.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn) error {
	name := a.protocol.Name()
	readDeadline := a.cfg.PingInterval + a.cfg.PongTimeout

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		logger.IncrementMarketRead(name, len(raw))

		events, perr := a.protocol.ParseMessage(raw)
		if perr != nil {
			parseErr := &models.MessageParsingError{Exchange: name, Raw: raw, Cause: perr}
			a.log.WithError(parseErr).Warn("dropping malformed message")
			a.emit(models.MarketEvent{
				Type:      models.EventParseError,
				Err:       parseErr.Error(),
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		for _, ev := range events {
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			a.emit(ev)
		}
	}
}

func (a *Adapter) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			a.pingSentAt = time.Now()
			a.mu.Unlock()

			a.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(a.cfg.PongTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			if err == nil {
				if payload, app := a.protocol.Heartbeat(); app {
					err = conn.WriteMessage(websocket.TextMessage, payload)
				}
			}
			a.writeMu.Unlock()

			if err != nil {
				a.log.WithError(err).Warn("heartbeat write failed")
				conn.Close()
				return
			}
		}
	}
}

// reconnect retries the connection under the backoff strategy. On success it
// rebuilds every previously active subscription from scratch; the set is
// cleared first so a failed resubscribe cannot leave a stale key behind.
func (a *Adapter) reconnect() (*websocket.Conn, bool) {
	name := a.protocol.Name()

	a.mu.Lock()
	a.state = models.StateReconnecting
	a.latency = nil
	a.mu.Unlock()
	logger.IncrementReconnect()

	for {
		delay := a.strategy.NextDelay()
		if !a.strategy.RecordAttempt() {
			fatal := &models.ConnectionError{
				Exchange: name,
				Message:  "reconnection attempts exhausted",
				Fatal:    true,
			}
			a.mu.Lock()
			a.state = models.StateError
			a.lastError = fatal.Error()
			a.mu.Unlock()
			a.log.WithError(fatal).Error("giving up on reconnection")
			a.emit(models.MarketEvent{
				Type:      models.EventError,
				Err:       fatal.Error(),
				Timestamp: time.Now().UTC(),
			})
			return nil, false
		}

		a.log.WithFields(logger.Fields{
			"attempt": a.strategy.Attempts(),
			"delay":   delay.String(),
		}).Info("reconnecting")
		a.emit(models.MarketEvent{Type: models.EventReconnecting, Timestamp: time.Now().UTC()})

		select {
		case <-a.ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		conn, err := a.dial(a.ctx)
		if err != nil {
			a.mu.Lock()
			a.lastError = err.Error()
			a.mu.Unlock()
			a.log.WithError(err).Warn("reconnect attempt failed")
			continue
		}

		a.mu.Lock()
		a.installConn(conn)
		a.mu.Unlock()
		a.strategy.Reset()

		if err := a.resubscribe(); err != nil {
			a.log.WithError(err).Warn("resubscription incomplete")
		}
		a.log.Info("reconnected")
		a.emit(models.MarketEvent{Type: models.EventConnected, Timestamp: time.Now().UTC()})
		return conn, true
	}
}

func (a *Adapter) resubscribe() error {
	a.mu.Lock()
	previous := a.subs
	a.subs = make(map[string]models.SubscriptionRequest, len(previous))
	a.mu.Unlock()

	var firstErr error
	for _, req := range previous {
		if err := a.Subscribe(req); err != nil {
			a.log.WithError(err).WithFields(logger.Fields{
				"subscription": req.Key(),
			}).Error("failed to restore subscription")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *Adapter) sendControl(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	if conn == nil {
		return &models.ConnectionError{Exchange: a.protocol.Name(), Message: "no active connection"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(a.cfg.ConnectTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return &models.ConnectionError{Exchange: a.protocol.Name(), Message: "write failed", Cause: err}
	}
	return nil
}

// emit publishes one event without blocking. Events are tagged with the
// exchange; a full channel drops the event and records the loss.
func (a *Adapter) emit(ev models.MarketEvent) {
	ev.Exchange = a.protocol.Name()

	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		metrics.EmitDrop(logger.GetLogger(), "adapter_events", ev.Exchange, ev.Symbol)
	}
}
