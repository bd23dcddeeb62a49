// Package controller implements the per-proxy supervised lifecycle: bind
// a listener on command, accept connections and hand each to a Pipeline,
// and shut down cleanly on command, all while publishing lifecycle
// events the UI layer can observe.
package controller

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"yatangaki/internal/logger"
	"yatangaki/internal/logstore"
	"yatangaki/internal/metrics"
	"yatangaki/internal/pipeline"
	"yatangaki/internal/tlsca"
)

// State is a proxy controller's lifecycle state.
type State int

// Controller states.
const (
	Stopped State = iota
	Running
	Error
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Error:
		return "error"
	default:
		return "stopped"
	}
}

// Command is a request sent to a running controller's command channel.
type Command int

// Commands accepted by a controller.
const (
	Start Command = iota
	Stop
)

// Event is a lifecycle or traffic notification published on a
// controller's event channel.
type Event struct {
	Kind     EventKind
	ProxyID  int64
	Commands chan<- Command // set only on Initialized
	PacketID int64          // set only on NewHTTPLogRow
	Err      error          // set only on ProxyError
}

// EventKind discriminates the Event union.
type EventKind int

// Event kinds.
const (
	Initialized EventKind = iota
	ProxyError
	NewHTTPLogRow
)

// Services bundles the shared collaborators a controller's pipelines
// need, threaded explicitly rather than reached for through package
// globals.
type Services struct {
	TLS  *tlsca.CA
	Logs *logstore.Store
	Metr *metrics.Metrics
}

// Controller supervises one proxy's listener lifecycle.
type Controller struct {
	proxyID int64
	port    int
	svc     Services
	log     *logger.Logger

	commands chan Command
	events   chan<- Event

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	listener net.Listener
}

// New constructs a controller for proxyID listening on port when
// started. events is the shared, single-consumer channel the host (the
// UI layer) reads from; the controller publishes its command sink on it
// exactly once, via an Initialized event, before entering its loop.
func New(proxyID int64, port int, svc Services, events chan<- Event, log *logger.Logger) *Controller {
	return &Controller{
		proxyID:  proxyID,
		port:     port,
		svc:      svc,
		log:      log,
		commands: make(chan Command, 100),
		events:   events,
		state:    Stopped,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Commands returns the channel on which this controller accepts Start
// and Stop commands. Run publishes the same channel via an Initialized
// event; callers that already hold the Controller may use this instead.
func (c *Controller) Commands() chan<- Command { return c.commands }

// Run drives the controller's command loop until ctx is cancelled. It
// emits exactly one Initialized event before polling begins, then polls
// the command channel roughly once per second: bind/spawn on Start,
// signal shutdown on Stop.
func (c *Controller) Run(ctx context.Context) {
	c.events <- Event{Kind: Initialized, ProxyID: c.proxyID, Commands: c.commands}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.stopLocked()
			return
		case <-ticker.C:
			// Cooperative poll; bind/accept happen in spawned tasks so this
			// tick only gates command latency, never connection latency.
			select {
			case cmd := <-c.commands:
				c.handleCommand(ctx, cmd)
			default:
			}
		}
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd Command) {
	switch cmd {
	case Start:
		c.start(ctx)
	case Stop:
		c.stopLocked()
	}
}

func (c *Controller) start(ctx context.Context) {
	c.mu.Lock()
	if c.state == Running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.port))
	if err != nil {
		c.mu.Lock()
		c.state = Error
		c.mu.Unlock()
		c.events <- Event{Kind: ProxyError, ProxyID: c.proxyID, Err: err}
		if c.log != nil {
			c.log.Errorf("bind", "proxy %d: %v", c.proxyID, err)
		}
		return
	}

	acceptCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.state = Running
	c.cancel = cancel
	c.listener = ln
	c.mu.Unlock()

	if c.log != nil {
		c.log.Infof("start", "proxy %d listening on %s", c.proxyID, ln.Addr())
	}
	go c.accept(acceptCtx, ln)
}

func (c *Controller) stopLocked() {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	ln := c.listener
	c.state = Stopped
	c.cancel = nil
	c.listener = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close() //nolint:errcheck // unblocks Accept; in-flight connections finish on their own
	}
	if c.log != nil {
		c.log.Infof("stop", "proxy %d stopped", c.proxyID)
	}
}

// accept races a shutdown signal against the accept loop. A single
// per-connection error never brings down the controller; only the
// listener closing (via Stop, or an unrecoverable Accept error) ends it.
func (c *Controller) accept(ctx context.Context, ln net.Listener) {
	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				_ = g.Wait() // let in-flight connections drain before returning
				return
			default:
			}
			if c.log != nil {
				c.log.Warnf("accept", "proxy %d: %v", c.proxyID, err)
			}
			_ = g.Wait()
			return
		}

		c.svc.Metr.ConnectionsAccepted.Add(1)
		p := pipeline.New(c.proxyID, c.svc.TLS, c.svc.Logs, c.svc.Metr, c.log, c.publishLogged)
		g.Go(func() error {
			// Stop cancels ctx to end the accept loop only; connections
			// already accepted are served to completion.
			p.ServeConn(context.WithoutCancel(gctx), conn)
			return nil
		})
	}
}

// publishLogged emits a NewHTTPLogRow event for a just-committed packet.
// Pipelines call this strictly after their insert transaction commits, so
// a reader observing the event can already see the row.
func (c *Controller) publishLogged(packetID int64) {
	c.events <- Event{Kind: NewHTTPLogRow, ProxyID: c.proxyID, PacketID: packetID}
}

// String renders a controller for diagnostic logging.
func (c *Controller) String() string {
	return fmt.Sprintf("controller{proxy=%d port=%d state=%s}", c.proxyID, c.port, c.State())
}
