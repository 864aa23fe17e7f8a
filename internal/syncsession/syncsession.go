// Package syncsession implements the sender-driven Sync Session
// orchestration of spec.md §4.5: manifest exchange, ChangeSet computation,
// per-file transfer with bounded retries, and directory reconciliation.
package syncsession

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/temaune502/wiresync/internal/bytelink"
	"github.com/temaune502/wiresync/internal/compress"
	"github.com/temaune502/wiresync/internal/eventbus"
	"github.com/temaune502/wiresync/internal/lineproto"
	"github.com/temaune502/wiresync/internal/manifest"
	"github.com/temaune502/wiresync/internal/metrics"
)

const (
	manifestExchangeTimeout = 60 * time.Second
	fileAckTimeout          = 10 * time.Second
	fileRetries             = 3
	retryPause              = 200 * time.Millisecond
)

// Deps is the minimal surface Run needs from a Peer Controller. It exists
// so syncsession stays testable without importing peer (which in turn
// drives syncsession, avoiding an import cycle).
type Deps interface {
	Link() bytelink.Link
	Logger() *zap.Logger
	Bus() *eventbus.Bus
	Metrics() *metrics.Registry
	SyncRoot() string
	RespectGitignore() bool
	QuickMode() bool
	// StrictMode reports whether this sync round is sender-authoritative:
	// when true, files and empty directories present only on the remote
	// are deleted (spec.md glossary "Strict mode").
	StrictMode() bool

	// BeginSync validates preconditions (sender role, connection alive, no
	// session in flight) and sets syncing=true, or returns a configuration
	// error leaving state unchanged (spec.md §7 "Configuration error").
	BeginSync() error
	// EndSync clears syncing and emits the completion event.
	EndSync()

	GenerateManifest(respectGitignore, quickMode bool) (*manifest.Manifest, error)

	// SendAndAwait writes via send then blocks for the next inbound ACK or
	// MANIFEST_DATA, bypassing the normal dispatch table.
	SendAndAwait(send func() error, timeout time.Duration) (*lineproto.Message, error)
	AwaitNext(timeout time.Duration) (*lineproto.Message, error)

	FBTSend(payload []byte) error
	FBTReceive() ([]byte, error)
}

type manifestResult struct {
	m   *manifest.Manifest
	err error
}

// Run drives one complete sync round to completion (spec.md §4.5 steps
// 1–9). Preconditions are enforced by deps.BeginSync; a failure at any
// protocol step ends the round and propagates the error upward, per
// spec.md §7 "Session failure" — no partial directory reconciliation is
// attempted once a step fails.
func Run(deps Deps) error {
	if err := deps.BeginSync(); err != nil {
		return err
	}
	defer deps.EndSync()

	started := time.Now()
	if m := deps.Metrics(); m != nil {
		defer func() { m.SyncDurationSeconds.Observe(time.Since(started).Seconds()) }()
	}

	deps.Bus().Publish(eventbus.Event{Kind: eventbus.KindProgress, Message: "sync_started"})

	localCh := make(chan manifestResult, 1)
	go func() {
		m, err := deps.GenerateManifest(deps.RespectGitignore(), deps.QuickMode())
		localCh <- manifestResult{m, err}
	}()

	remote, err := exchangeManifests(deps)
	if err != nil {
		return errors.Wrap(err, "syncsession: manifest exchange failed")
	}

	local := <-localCh
	if local.err != nil {
		return errors.Wrap(local.err, "syncsession: local manifest generation failed")
	}

	cs := manifest.Diff(local.m, remote, deps.QuickMode(), deps.StrictMode())

	for _, rec := range cs.ToSend {
		if err := sendFileWithRetry(deps, rec); err != nil {
			return errors.Wrapf(err, "syncsession: send %s failed", rec.Path)
		}
	}
	for _, dir := range cs.EmptyDirsToCreate {
		if err := lineproto.Send(deps.Link(), lineproto.CmdMkdir, dir); err != nil {
			return errors.Wrap(err, "syncsession: send MKDIR failed")
		}
	}
	for _, path := range cs.ToDelete {
		if err := lineproto.Send(deps.Link(), lineproto.CmdFileDelete, path); err != nil {
			return errors.Wrap(err, "syncsession: send FILE_DELETE failed")
		}
	}
	for _, dir := range cs.EmptyDirsToDelete {
		if err := lineproto.Send(deps.Link(), lineproto.CmdRmdir, dir); err != nil {
			return errors.Wrap(err, "syncsession: send RMDIR failed")
		}
	}

	if err := lineproto.Send(deps.Link(), lineproto.CmdSyncComplete); err != nil {
		return errors.Wrap(err, "syncsession: send SYNC_COMPLETE failed")
	}
	return nil
}

// exchangeManifests sends MANIFEST_REQ carrying the local scan flags,
// waits for MANIFEST_DATA, acknowledges it, FBT-receives the compressed
// payload, and parses it (spec.md §4.5 steps 2–3).
func exchangeManifests(deps Deps) (*manifest.Manifest, error) {
	msg, err := deps.SendAndAwait(func() error {
		return lineproto.Send(deps.Link(), lineproto.CmdManifestReq,
			strconv.FormatBool(deps.RespectGitignore()), strconv.FormatBool(deps.QuickMode()))
	}, manifestExchangeTimeout)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.Command != lineproto.CmdManifestData {
		return nil, errors.New("syncsession: expected MANIFEST_DATA")
	}

	if err := lineproto.Send(deps.Link(), lineproto.CmdAck); err != nil {
		return nil, err
	}
	compressedPayload, err := deps.FBTReceive()
	if err != nil {
		return nil, err
	}
	raw, err := compress.Decompress(compressedPayload)
	if err != nil {
		return nil, errors.Wrap(err, "syncsession: decompress manifest")
	}

	remote := &manifest.Manifest{}
	if err := remote.UnmarshalJSON(raw); err != nil {
		return nil, errors.Wrap(err, "syncsession: parse remote manifest")
	}
	return remote, nil
}

// sendFileWithRetry implements spec.md §4.5 step 5: read, compress, send
// the FILE_DATA control line, wait for ACK, FBT-send the bytes, and retry
// the whole attempt up to fileRetries times, clearing the input buffer and
// pausing between attempts.
func sendFileWithRetry(deps Deps, rec manifest.FileRecord) error {
	data, err := os.ReadFile(filepath.Join(deps.SyncRoot(), filepath.FromSlash(rec.Path)))
	if err != nil {
		return err
	}
	out, compressed := compress.Apply(rec.Path, data)

	var lastErr error
	for attempt := 0; attempt < fileRetries; attempt++ {
		if attempt > 0 {
			_ = deps.Link().ClearInput()
			time.Sleep(retryPause)
		}
		if lastErr = attemptSendFile(deps, rec, out, compressed); lastErr == nil {
			if deps.Metrics() != nil {
				deps.Metrics().FilesTransferred.Inc()
			}
			deps.Bus().Publish(eventbus.Event{Kind: eventbus.KindProgress, FileName: rec.Path, BytesSent: int64(len(out)), BytesTotal: int64(len(out))})
			return nil
		}
	}
	return lastErr
}

func attemptSendFile(deps Deps, rec manifest.FileRecord, out []byte, compressed bool) error {
	msg, err := deps.SendAndAwait(func() error {
		return lineproto.Send(deps.Link(), lineproto.CmdFileData,
			rec.Path, strconv.Itoa(len(out)), strconv.FormatBool(compressed), strconv.FormatInt(rec.ModifiedTime, 10))
	}, fileAckTimeout)
	if err != nil {
		return err
	}
	if msg == nil || msg.Command != lineproto.CmdAck {
		return errors.New("syncsession: expected ACK for FILE_DATA")
	}
	return deps.FBTSend(out)
}
