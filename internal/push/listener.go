package push

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/vidgen-client/internal/api"
	"github.com/MimeLyc/vidgen-client/internal/jobs"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

const DefaultReconnectDelay = 3 * time.Second

var pingFrame = []byte("ping")

// Conn is an open push connection. ReadMessage and WriteText are never called
// concurrently with themselves; Close may be called from any goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteText(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type Options struct {
	// BaseURL is the ws:// or wss:// root, the user path is appended to it.
	BaseURL        string
	ReconnectDelay time.Duration
	MaxAttempts    int
	// PingInterval enables "ping" keepalive frames while connected.
	PingInterval time.Duration
}

// Listener applies push events to the job store and keeps the connection
// alive through the reconnection machine. All state changes happen on the
// goroutine running Run.
type Listener struct {
	store  *jobs.Store
	dialer Dialer
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	machine Machine
	pending []string
	wake    chan struct{}

	dials    atomic.Int64
	received atomic.Int64
}

// logoutCommand is queued by Logout; user ids are never empty.
const logoutCommand = ""

func NewListener(store *jobs.Store, dialer Dialer, opts Options) *Listener {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Listener{
		store:   store,
		dialer:  dialer,
		opts:    opts,
		now:     time.Now,
		machine: NewMachine(opts.MaxAttempts),
		wake:    make(chan struct{}, 1),
	}
}

// Authenticate (re)starts the connection cycle for userID, also from GivenUp.
func (l *Listener) Authenticate(userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		log.Warn("Push listener: ignoring authentication without user id")
		return
	}
	l.enqueue(userID)
}

// Logout closes the connection and stops reconnecting.
func (l *Listener) Logout() {
	l.enqueue(logoutCommand)
}

func (l *Listener) State() State {
	return l.Machine().State
}

func (l *Listener) Machine() Machine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.machine
}

// Dials is the number of connection attempts made so far.
func (l *Listener) Dials() int64 {
	return l.dials.Load()
}

// Received is the number of frames read, including discarded ones.
func (l *Listener) Received() int64 {
	return l.received.Load()
}

func (l *Listener) enqueue(cmd string) {
	l.mu.Lock()
	l.pending = append(l.pending, cmd)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Listener) drain() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	cmds := l.pending
	l.pending = nil
	return cmds
}

type connEvent struct {
	gen  uint64
	conn Conn
	err  error
}

// Run processes commands and connection events until ctx is cancelled. On
// return the connection is closed, the reconnect timer is stopped and every
// goroutine it started has exited.
func (l *Listener) Run(ctx context.Context) error {
	r := &runner{
		l:      l,
		events: make(chan connEvent),
		done:   make(chan struct{}),
	}
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			r.apply(EventTeardown)
			return nil

		case <-l.wake:
			for _, cmd := range l.drain() {
				if cmd == logoutCommand {
					r.userID = ""
					r.apply(EventLoggedOut)
					continue
				}
				r.userID = cmd
				r.apply(EventAuthenticated)
			}

		case ev := <-r.events:
			r.handleConnEvent(ev)

		case <-r.timerC:
			r.timer, r.timerC = nil, nil
			r.apply(EventTimerFired)

		case <-r.pingC:
			if r.conn != nil {
				if err := r.conn.WriteText(pingFrame); err != nil {
					log.Debug("Push ping failed: %v", err)
					r.conn.Close()
				}
			}
		}
	}
}

// runner is the per-Run state owned by the Run goroutine.
type runner struct {
	l      *Listener
	userID string

	gen        uint64
	conn       Conn
	dialCancel context.CancelFunc
	timer      *time.Timer
	timerC     <-chan time.Time
	ping       *time.Ticker
	pingC      <-chan time.Time

	events chan connEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

func (r *runner) apply(ev Event) {
	r.l.mu.Lock()
	prev := r.l.machine
	next, action := prev.Next(ev)
	r.l.machine = next
	r.l.mu.Unlock()

	if prev.State != next.State {
		log.Debug("Push listener %s -> %s on %s (attempts %d/%d)",
			prev.State, next.State, ev, next.Attempts, next.MaxAttempts)
	}

	switch action {
	case ActionDial:
		r.dropConnection()
		r.dial()
	case ActionScheduleReconnect:
		r.stopTimer()
		r.timer = time.NewTimer(r.l.opts.ReconnectDelay)
		r.timerC = r.timer.C
	case ActionClose:
		r.dropConnection()
	}

	if next.State == StateGivenUp && prev.State != StateGivenUp {
		log.Warn("Push listener gave up after %d reconnect attempts, relying on polling", next.Attempts)
	}
}

func (r *runner) handleConnEvent(ev connEvent) {
	if ev.gen != r.gen {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.conn != nil {
		r.conn = ev.conn
		r.startPing()
		r.apply(EventOpened)
		log.Info("Push channel connected")
		return
	}

	r.conn = nil
	r.dialCancel = nil
	r.stopPing()
	if ev.err != nil {
		log.Debug("Push channel closed: %v", ev.err)
	}
	r.apply(EventClosed)
}

func (r *runner) dial() {
	target, err := endpoint(r.l.opts.BaseURL, r.userID)
	if err != nil {
		log.Error("Push listener: %v", err)
		// Treated as a failed dial so the retry budget still applies.
		r.gen++
		gen := r.gen
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.send(connEvent{gen: gen, err: err})
		}()
		return
	}

	r.gen++
	gen := r.gen
	ctx, cancel := context.WithCancel(context.Background())
	r.dialCancel = cancel
	r.l.dials.Add(1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.connect(ctx, gen, target)
	}()
}

// connect dials, reports the open, then reads until the connection fails.
func (r *runner) connect(ctx context.Context, gen uint64, target string) {
	conn, err := r.l.dialer.Dial(ctx, target)
	if err != nil {
		r.send(connEvent{gen: gen, err: err})
		return
	}
	if !r.send(connEvent{gen: gen, conn: conn}) {
		conn.Close()
		return
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			r.send(connEvent{gen: gen, err: err})
			return
		}
		r.l.received.Add(1)
		r.l.handleFrame(data)
	}
}

func (r *runner) send(ev connEvent) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *runner) dropConnection() {
	r.stopTimer()
	r.stopPing()
	if r.dialCancel != nil {
		r.dialCancel()
		r.dialCancel = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.gen++
}

func (r *runner) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer, r.timerC = nil, nil
	}
}

func (r *runner) startPing() {
	if r.l.opts.PingInterval <= 0 {
		return
	}
	r.stopPing()
	r.ping = time.NewTicker(r.l.opts.PingInterval)
	r.pingC = r.ping.C
}

func (r *runner) stopPing() {
	if r.ping != nil {
		r.ping.Stop()
		r.ping, r.pingC = nil, nil
	}
}

func (r *runner) shutdown() {
	r.dropConnection()
	close(r.done)
	r.wg.Wait()
}

// handleFrame applies one frame to the store. Nothing it does can fail the
// connection.
func (l *Listener) handleFrame(data []byte) {
	err := api.SafeExecute(func() error {
		msg, ok := ParseMessage(data)
		if !ok {
			return nil
		}
		patch := msg.Patch(l.now())
		if patch.Empty() {
			return nil
		}
		l.store.Update(msg.JobID, patch)
		return nil
	})
	if err != nil {
		log.Error("Push frame handling failed: %v", err)
	}
}

func endpoint(base, userID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid push url %q: %w", base, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid push url %q: scheme must be ws or wss", base)
	}
	return u.String() + "/ws/jobs/" + url.PathEscape(userID), nil
}
