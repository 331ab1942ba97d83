package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nvpn-proxy/work/config"
	"nvpn-proxy/work/handlers"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/proxy"
	"nvpn-proxy/work/types"
)

// State is the position of the relay in its lifecycle.
type State int

const (
	Idle State = iota
	Starting
	Serving
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Serving:
		return "serving"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// Outcome is how a supervised playback ended.
type Outcome int

const (
	PlaybackNeverStarted Outcome = iota
	PlaybackEnded
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case PlaybackNeverStarted:
		return "never started"
	case PlaybackEnded:
		return "ended"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// PlaybackHost is the player whose state decides how long the relay lives.
type PlaybackHost interface {
	IsPlaying(ctx context.Context) (bool, error)
}

// Controller owns the single relay instance of the process. Start and Stop
// are the only ways the relay comes and goes.
type Controller struct {
	config   *config.Config
	upstream *http.Client
	name     string

	mu     sync.Mutex
	state  State
	relay  *proxy.Relay
	server *proxy.Server
}

// NewController creates an idle controller. name is announced by the relay
// in its banner and Server header.
func NewController(cfg *config.Config, upstream *http.Client, name string) *Controller {
	return &Controller{
		config:   cfg,
		upstream: upstream,
		name:     name,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Relay returns the running relay, or nil when idle.
func (c *Controller) Relay() *proxy.Relay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relay
}

// Handle describes the relay listener; the zero handle when idle.
func (c *Controller) Handle() types.RelayServerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return types.RelayServerHandle{}
	}
	return c.server.Handle()
}

// Start binds and starts the relay and returns its base URL. It fails with
// ResourceBusy when a relay is already live in this process or when the port
// is taken; both leave the controller as it was.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return "", types.Errorf(types.ResourceBusy, "relay.start", "relay is %s", c.state)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.state = Starting

	relay := proxy.NewRelay(c.config, c.upstream)
	server := proxy.NewServer(c.config, handlers.NewRouter(relay, c.name))
	if err := server.Start(); err != nil {
		c.state = Idle
		if errors.Is(err, types.ResourceBusy) {
			logger.Warn("{lifecycle/lifecycle - Start} relay unavailable: %v", err)
		}
		return "", err
	}

	c.relay = relay
	c.server = server
	logger.Info("{lifecycle/lifecycle - Start} relay started on %s", server.BaseURL())
	return server.BaseURL(), nil
}

// Supervise waits for playback to begin and then for it to end, stopping the
// relay in every case before it returns. Playback is polled every
// PlaybackPollInterval; if it has not begun after PlaybackStartPolls polls the
// relay is stopped and PlaybackNeverStarted returned, which is not an error.
// Cancelling ctx stops the relay and returns Aborted.
func (c *Controller) Supervise(ctx context.Context, host PlaybackHost) Outcome {
	defer c.Stop()

	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return Aborted
	}

	ticker := time.NewTicker(c.config.PlaybackPollInterval)
	defer ticker.Stop()

	started := false
	for attempt := 1; attempt <= c.config.PlaybackStartPolls && !started; attempt++ {
		select {
		case <-ctx.Done():
			logger.Info("{lifecycle/lifecycle - Supervise} aborted while waiting for playback")
			return Aborted
		case <-server.Done():
			logger.Warn("{lifecycle/lifecycle - Supervise} relay exited while waiting for playback")
			return Aborted
		case <-ticker.C:
		}
		started = c.playing(ctx, host)
		logger.Debug("{lifecycle/lifecycle - Supervise} start poll %d/%d, playing=%v", attempt, c.config.PlaybackStartPolls, started)
	}

	if !started {
		logger.Info("{lifecycle/lifecycle - Supervise} playback did not start in time, stopping the relay")
		return PlaybackNeverStarted
	}

	c.setState(Serving)
	logger.Info("{lifecycle/lifecycle - Supervise} playback started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("{lifecycle/lifecycle - Supervise} aborted during playback")
			return Aborted
		case <-server.Done():
			logger.Warn("{lifecycle/lifecycle - Supervise} relay exited during playback")
			return Aborted
		case <-ticker.C:
		}
		if !c.playing(ctx, host) {
			logger.Info("{lifecycle/lifecycle - Supervise} playback ended")
			return PlaybackEnded
		}
	}
}

func (c *Controller) playing(ctx context.Context, host PlaybackHost) bool {
	ok, err := host.IsPlaying(ctx)
	if err != nil {
		logger.Debug("{lifecycle/lifecycle - playing} playback state unavailable: %v", err)
		return false
	}
	return ok
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stop stops the relay, waits for it and releases the port. It is safe to
// call at any time and any number of times.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == Idle || c.state == Stopping {
		c.mu.Unlock()
		return
	}
	c.state = Stopping
	server := c.server
	c.mu.Unlock()

	if server != nil {
		server.Stop()
	}

	c.mu.Lock()
	c.state = Idle
	c.relay = nil
	c.server = nil
	c.mu.Unlock()
}

// Wait blocks until the relay stops or ctx is done, then stops it. It backs
// the standalone serve command, where no player decides the lifetime.
func (c *Controller) Wait(ctx context.Context) {
	defer c.Stop()

	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return
	}
	c.setState(Serving)

	select {
	case <-ctx.Done():
	case <-server.Done():
	}
}
