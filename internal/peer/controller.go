// Package peer implements the Peer Controller: the reader loop, inbound
// command dispatch table, heartbeat supervisor, and role negotiation that
// together own the wire (spec.md §4.6).
package peer

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/temaune502/wiresync/internal/bytelink"
	"github.com/temaune502/wiresync/internal/eventbus"
	"github.com/temaune502/wiresync/internal/fbt"
	"github.com/temaune502/wiresync/internal/lineproto"
	"github.com/temaune502/wiresync/internal/manifest"
	"github.com/temaune502/wiresync/internal/metrics"
	"github.com/temaune502/wiresync/internal/sharedtext"
)

var (
	// HeartbeatInterval and HeartbeatTimeout are package-level vars, not
	// consts, purely so tests can shrink them; production code never
	// overrides them.
	HeartbeatInterval = 5 * time.Second
	HeartbeatTimeout  = 15 * time.Second
	heartbeatTick     = 1 * time.Second
	readLineTimeout   = 200 * time.Millisecond
)

// Config configures a Controller.
type Config struct {
	Link             bytelink.Link
	Logger           *zap.Logger
	Bus              *eventbus.Bus
	Metrics          *metrics.Registry
	SyncRoot         string
	RespectGitignore bool
	QuickMode        bool
	// Strict enables the sender's authoritative deletion mode: files and
	// empty directories present only on the remote are deleted to bring it
	// in line with the local tree (spec.md glossary "Strict mode").
	Strict bool
	// ManifestCachePath, if set, is where the locally generated manifest is
	// persisted for warm-start digest reuse across runs.
	ManifestCachePath string
}

// Controller owns the wire: one reader goroutine, inbound command
// dispatch, the heartbeat supervisor, and role negotiation. It is the sole
// reader and (outside of an active sync session's writes) the sole writer
// of the underlying Link.
type Controller struct {
	link    bytelink.Link
	logger  *zap.Logger
	bus     *eventbus.Bus
	metrics *metrics.Registry

	syncRoot          string
	respectGitignore  bool
	quickMode         bool
	strict            bool
	manifestCachePath string

	state      *ConnectionState
	sharedText *sharedtext.Channel

	awaitMu  sync.Mutex
	awaiting bool
	awaitCh  chan *lineproto.Message

	cacheMu        sync.Mutex
	cachedManifest *manifest.Manifest

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Controller around cfg. The returned Controller does not
// start any goroutines until Start is called.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	c := &Controller{
		link:              cfg.Link,
		logger:            logger,
		bus:               bus,
		metrics:           cfg.Metrics,
		syncRoot:          cfg.SyncRoot,
		respectGitignore:  cfg.RespectGitignore,
		quickMode:         cfg.QuickMode,
		strict:            cfg.Strict,
		manifestCachePath: cfg.ManifestCachePath,
		state:             &ConnectionState{},
		awaitCh:           make(chan *lineproto.Message, 1),
		stopCh:            make(chan struct{}),
	}
	c.sharedText = sharedtext.New(
		func(b64 string) error { return lineproto.Send(c.link, lineproto.CmdSharedText, b64) },
		bus,
		c.state.Running,
		c.state.ConnectionAlive,
		c.state.Syncing,
		c.state.FBTActive,
	)
	return c
}

// State returns the read-only view of ConnectionState other components
// (syncsession, cmd/wiresync) are allowed to consult.
func (c *Controller) State() *ConnectionState { return c.state }

// Bus returns the event bus events are posted to.
func (c *Controller) Bus() *eventbus.Bus { return c.bus }

// SharedText returns the Shared-Text Channel wired to this controller.
func (c *Controller) SharedText() *sharedtext.Channel { return c.sharedText }

// Link exposes the underlying ByteLink for components that need to issue
// control-plane writes directly (syncsession's sender orchestration).
func (c *Controller) Link() bytelink.Link { return c.link }

func (c *Controller) Logger() *zap.Logger { return c.logger }

func (c *Controller) Metrics() *metrics.Registry { return c.metrics }

func (c *Controller) SyncRoot() string { return c.syncRoot }

func (c *Controller) RespectGitignore() bool { return c.respectGitignore }

func (c *Controller) QuickMode() bool { return c.quickMode }

func (c *Controller) StrictMode() bool { return c.strict }

// Start opens the link and launches the reader loop and heartbeat
// supervisor.
func (c *Controller) Start() error {
	if err := c.link.Open(""); err != nil {
		return errors.Wrap(err, "peer: open link")
	}
	c.state.setRunning(true)
	c.state.regeneratePriority()

	c.wg.Add(2)
	go c.readerLoop()
	go c.heartbeatLoop()
	return nil
}

// Stop signals both background loops to exit and waits for them, with a
// grace period matching the spec's 2s executor drain window.
func (c *Controller) Stop() {
	c.state.setRunning(false)
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.logger.Warn("peer: shutdown grace period elapsed with loops still running")
	}
}

func (c *Controller) readerLoop() {
	defer c.wg.Done()
	for c.state.Running() {
		if c.state.FBTActive() {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		msg, err := lineproto.ReadMessage(c.link, readLineTimeout)
		if err != nil {
			if errors.Is(err, bytelink.ErrClosed) {
				return
			}
			c.bus.Errorf(err, "peer: read_line failed")
			continue
		}
		if msg == nil {
			continue
		}
		c.routeOrDispatch(msg)
	}
}

// isReplyOnly reports whether cmd only ever makes sense as a reply a sync
// session is waiting on, never as a table-dispatched command in its own
// right (spec.md §4.6: "MANIFEST_DATA ignored by reader loop; consumed
// only within a sender's sync-session code path"). Only these commands are
// eligible to be routed to an active SendAndAwait — anything else (a
// concurrent HEARTBEAT, for instance) is dispatched normally even while a
// sync session is awaiting a reply, so unrelated traffic can't be
// misdelivered to the wrong waiter.
func isReplyOnly(cmd lineproto.Command) bool {
	return cmd == lineproto.CmdAck || cmd == lineproto.CmdManifestData
}

func (c *Controller) routeOrDispatch(msg *lineproto.Message) {
	if isReplyOnly(msg.Command) {
		c.awaitMu.Lock()
		awaiting := c.awaiting
		c.awaitMu.Unlock()
		if awaiting {
			select {
			case c.awaitCh <- msg:
				return
			default:
			}
		}
	}
	c.dispatch(msg)
}

// AwaitNext blocks for the next inbound reply-only message (see
// isReplyOnly), bypassing the dispatch table, without first sending
// anything. Used when the request that elicits the reply has already been
// written.
func (c *Controller) AwaitNext(timeout time.Duration) (*lineproto.Message, error) {
	return c.SendAndAwait(func() error { return nil }, timeout)
}

// SendAndAwait writes a request via send, then blocks up to timeout for the
// next inbound ACK or MANIFEST_DATA (the reply-only commands of
// isReplyOnly), bypassing the normal dispatch table; any other inbound
// command is dispatched as usual meanwhile. This is how the sender side of a sync session consumes replies
// such as ACK or MANIFEST_DATA that the dispatch table explicitly ignores
// (spec.md §4.6 "MANIFEST_DATA: ignored by reader loop").
func (c *Controller) SendAndAwait(send func() error, timeout time.Duration) (*lineproto.Message, error) {
	c.awaitMu.Lock()
	c.awaiting = true
	c.awaitMu.Unlock()
	defer func() {
		c.awaitMu.Lock()
		c.awaiting = false
		c.awaitMu.Unlock()
	}()

	if err := send(); err != nil {
		return nil, err
	}
	select {
	case msg := <-c.awaitCh:
		return msg, nil
	case <-time.After(timeout):
		return nil, errors.Wrap(bytelink.ErrTimeout, "peer: awaiting reply")
	}
}

// fbtOptions builds the observability hooks shared by FBTSend/FBTReceive.
func (c *Controller) fbtOptions() []fbt.Option {
	if c.metrics == nil {
		return nil
	}
	return []fbt.Option{fbt.WithOnRetry(func() { c.metrics.FBTRetries.Inc() })}
}

// FBTSend marks the wire as committed to a block transfer for the
// duration of payload's delivery (spec.md §3 "fbt_active").
func (c *Controller) FBTSend(payload []byte) error {
	c.state.setFBTActive(true)
	defer c.state.setFBTActive(false)
	err := fbt.Send(c.link, payload, c.logger, c.fbtOptions()...)
	if c.metrics != nil && err == nil {
		c.metrics.BytesSent.Add(float64(len(payload)))
	}
	return err
}

// FBTReceive is the receive-side counterpart of FBTSend.
func (c *Controller) FBTReceive() ([]byte, error) {
	c.state.setFBTActive(true)
	defer c.state.setFBTActive(false)
	payload, err := fbt.Receive(c.link, c.logger, c.fbtOptions()...)
	if c.metrics != nil && err == nil {
		c.metrics.BytesReceived.Add(float64(len(payload)))
	}
	return payload, err
}

// BeginSync validates the preconditions of spec.md §4.5 (local role is
// sender, connection alive, no other session in flight) and, if they hold,
// marks syncing=true. A failed precondition is a configuration error: no
// state change, reported to the caller directly (spec.md §7).
func (c *Controller) BeginSync() error {
	if !c.state.IsSender() {
		return errors.New("peer: local role is receiver; cannot start sync")
	}
	if !c.state.ConnectionAlive() {
		return errors.New("peer: connection is not alive")
	}
	if c.state.Syncing() {
		return errors.New("peer: a sync session is already in flight")
	}
	c.state.setSyncing(true)
	return nil
}

// EndSync clears syncing and emits the completion event, run via defer by
// the sync session orchestrator regardless of how the round ended.
func (c *Controller) EndSync() {
	c.state.setSyncing(false)
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindCompletion})
	c.sharedText.FlushIfIdle()
}

// GenerateManifest builds a manifest of syncRoot honoring respectGitignore
// and quickMode, reusing the controller's last cached manifest (loaded from
// the cache path on first use, when one is configured) for digest
// warm-start, and persists the result when a cache path is configured.
func (c *Controller) GenerateManifest(respectGitignore, quickMode bool) (*manifest.Manifest, error) {
	opts := manifest.Options{Quick: quickMode, DisableGitignore: !respectGitignore}
	c.cacheMu.Lock()
	if c.cachedManifest == nil && c.manifestCachePath != "" {
		if prev, err := manifest.Load(c.manifestCachePath); err == nil {
			c.cachedManifest = prev
		}
	}
	opts.Previous = c.cachedManifest
	c.cacheMu.Unlock()

	m, err := manifest.Build(c.syncRoot, opts)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.cachedManifest = m
	c.cacheMu.Unlock()

	if c.manifestCachePath != "" {
		if err := os.MkdirAll(filepath.Dir(c.manifestCachePath), 0o755); err == nil {
			_ = manifest.Persist(m, c.manifestCachePath)
		}
	}
	return m, nil
}
