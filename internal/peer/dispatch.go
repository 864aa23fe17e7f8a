package peer

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/temaune502/wiresync/internal/compress"
	"github.com/temaune502/wiresync/internal/eventbus"
	"github.com/temaune502/wiresync/internal/lineproto"
)

// dispatch routes one inbound command to its receiver-side handler
// (spec.md §4.6). Commands consumed exclusively by a sender's own
// sync-session code path (ACK, MANIFEST_DATA) are delivered via
// SendAndAwait while one is waiting, and reach here (to be logged and
// dropped) only when nothing is waiting. An unrecognised command is dropped
// with a logged warning (spec.md §9).
func (c *Controller) dispatch(msg *lineproto.Message) {
	switch msg.Command {
	case lineproto.CmdManifestReq:
		c.handleManifestReq(msg)
	case lineproto.CmdFileReq:
		c.handleFileReq(msg)
	case lineproto.CmdFileData:
		c.handleFileData(msg)
	case lineproto.CmdFileDelete:
		c.handleFileDelete(msg)
	case lineproto.CmdMkdir:
		c.handleMkdir(msg)
	case lineproto.CmdRmdir:
		c.handleRmdir(msg)
	case lineproto.CmdSyncComplete:
		c.handleSyncComplete(msg)
	case lineproto.CmdDirectionChg:
		c.handleDirectionChange(msg)
	case lineproto.CmdRoleNegotiate:
		c.handleRoleNegotiate(msg)
	case lineproto.CmdHeartbeat:
		c.handleHeartbeat(msg)
	case lineproto.CmdHeartbeatAck:
		c.handleHeartbeatAck(msg)
	case lineproto.CmdSharedText:
		c.handleSharedText(msg)
	case lineproto.CmdError:
		c.handleError(msg)
	case lineproto.CmdAck, lineproto.CmdManifestData:
		// Only meaningful as a reply to a request the sync session is
		// awaiting; arriving here means nothing is awaiting it.
		c.logger.Debug("peer: unsolicited reply-only command", zap.String("command", string(msg.Command)))
	default:
		c.logger.Warn("peer: unknown command dropped", zap.String("command", string(msg.Command)))
	}
}

func (c *Controller) handleManifestReq(msg *lineproto.Message) {
	respectGitignore, quickMode := true, false
	if len(msg.Params) > 0 {
		respectGitignore = msg.Params[0] == "true"
	}
	if len(msg.Params) > 1 {
		quickMode = msg.Params[1] == "true"
	}

	m, err := c.GenerateManifest(respectGitignore, quickMode)
	if err != nil {
		c.bus.Errorf(err, "peer: manifest generation failed")
		return
	}
	data, err := m.MarshalJSON()
	if err != nil {
		c.bus.Errorf(err, "peer: manifest marshal failed")
		return
	}
	gz, err := compress.GzipBytes(data)
	if err != nil {
		gz = data
	}
	if err := lineproto.Send(c.link, lineproto.CmdManifestData, strconv.Itoa(len(gz))); err != nil {
		c.bus.Errorf(err, "peer: send MANIFEST_DATA failed")
		return
	}
	if err := c.waitForAck(10 * time.Second); err != nil {
		c.bus.Errorf(err, "peer: no ACK for MANIFEST_DATA")
		return
	}
	if err := c.FBTSend(gz); err != nil {
		c.bus.Errorf(err, "peer: FBT-send manifest failed")
	}
}

func (c *Controller) handleFileReq(msg *lineproto.Message) {
	if len(msg.Params) < 1 {
		return
	}
	relPath := msg.Params[0]
	data, err := os.ReadFile(filepath.Join(c.syncRoot, filepath.FromSlash(relPath)))
	if err != nil {
		c.bus.Errorf(err, "peer: FILE_REQ read %s failed", relPath)
		return
	}
	out, compressed := compress.Apply(relPath, data)
	info, _ := os.Stat(filepath.Join(c.syncRoot, filepath.FromSlash(relPath)))
	modMs := int64(0)
	if info != nil {
		modMs = info.ModTime().UnixMilli()
	}
	if err := lineproto.Send(c.link, lineproto.CmdFileData, relPath, strconv.Itoa(len(out)), strconv.FormatBool(compressed), strconv.FormatInt(modMs, 10)); err != nil {
		c.bus.Errorf(err, "peer: send FILE_DATA failed")
		return
	}
	if err := c.waitForAck(10 * time.Second); err != nil {
		return
	}
	if err := c.FBTSend(out); err != nil {
		c.bus.Errorf(err, "peer: FBT-send %s failed", relPath)
	}
}

func (c *Controller) handleFileData(msg *lineproto.Message) {
	if len(msg.Params) < 4 {
		return
	}
	relPath := msg.Params[0]
	compressedFlag := msg.Params[2] == "true"
	modMillis, _ := strconv.ParseInt(msg.Params[3], 10, 64)

	if err := lineproto.Send(c.link, lineproto.CmdAck); err != nil {
		c.bus.Errorf(err, "peer: ack FILE_DATA failed")
		return
	}
	payload, err := c.FBTReceive()
	if err != nil {
		c.bus.Errorf(err, "peer: FBT-receive %s failed", relPath)
		return
	}
	if compressedFlag {
		payload, err = compress.Decompress(payload)
		if err != nil {
			c.bus.Errorf(err, "peer: decompress %s failed", relPath)
			return
		}
	}

	dest := filepath.Join(c.syncRoot, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		c.bus.Errorf(err, "peer: mkdir for %s failed", relPath)
		return
	}
	if err := writeFileAtomic(dest, payload); err != nil {
		c.bus.Errorf(err, "peer: write %s failed", relPath)
		return
	}
	modTime := time.UnixMilli(modMillis)
	_ = os.Chtimes(dest, modTime, modTime)

	if c.metrics != nil {
		c.metrics.FilesTransferred.Inc()
	}
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindProgress, FileName: relPath, BytesTotal: int64(len(payload))})
}

func (c *Controller) handleFileDelete(msg *lineproto.Message) {
	if len(msg.Params) < 1 {
		return
	}
	target := filepath.Join(c.syncRoot, filepath.FromSlash(msg.Params[0]))
	if _, err := os.Stat(target); err == nil {
		_ = os.Remove(target)
		pruneEmptyParents(filepath.Dir(target), c.syncRoot)
	}
}

func (c *Controller) handleMkdir(msg *lineproto.Message) {
	if len(msg.Params) < 1 {
		return
	}
	_ = os.MkdirAll(filepath.Join(c.syncRoot, filepath.FromSlash(msg.Params[0])), 0o755)
}

func (c *Controller) handleRmdir(msg *lineproto.Message) {
	if len(msg.Params) < 1 {
		return
	}
	_ = os.RemoveAll(filepath.Join(c.syncRoot, filepath.FromSlash(msg.Params[0])))
}

func (c *Controller) handleSyncComplete(*lineproto.Message) {
	c.state.setSyncing(false)
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindCompletion})
	c.sharedText.FlushIfIdle()
}

func (c *Controller) handleDirectionChange(msg *lineproto.Message) {
	if len(msg.Params) < 1 {
		return
	}
	remoteIsSender := msg.Params[0] == "true"
	c.state.setIsSender(!remoteIsSender)
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindDirection, IsSender: !remoteIsSender})
}

func (c *Controller) handleRoleNegotiate(msg *lineproto.Message) {
	if c.state.RoleNegotiated() {
		return
	}
	if len(msg.Params) < 1 {
		return
	}
	remotePriority, err := strconv.ParseInt(msg.Params[0], 10, 64)
	if err != nil {
		return
	}
	isSender := c.state.LocalPriority() > remotePriority
	c.state.setIsSender(isSender)
	c.state.setRoleNegotiated(true)
	_ = lineproto.Send(c.link, lineproto.CmdRoleNegotiate, strconv.FormatInt(c.state.LocalPriority(), 10))
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindDirection, IsSender: isSender})
}

func (c *Controller) handleHeartbeat(*lineproto.Message) {
	_ = lineproto.Send(c.link, lineproto.CmdHeartbeatAck)
	c.recoverFromLossIfNeeded()
}

func (c *Controller) handleHeartbeatAck(*lineproto.Message) {
	c.state.setLastHeartbeatReceived(nowMillis())
	c.recoverFromLossIfNeeded()
}

func (c *Controller) recoverFromLossIfNeeded() {
	wasLost := !c.state.ConnectionAlive()
	c.state.setConnectionAlive(true)
	c.state.setLastHeartbeatReceived(nowMillis())
	if wasLost {
		c.state.regeneratePriority()
		c.state.setRoleNegotiated(false)
		c.bus.Publish(eventbus.Event{Kind: eventbus.KindConnection, Connected: true})
		_ = lineproto.Send(c.link, lineproto.CmdRoleNegotiate, strconv.FormatInt(c.state.LocalPriority(), 10))
	}
}

func (c *Controller) handleSharedText(msg *lineproto.Message) {
	if len(msg.Params) < 1 {
		return
	}
	c.sharedText.OnReceived(msg.Params[0])
}

func (c *Controller) handleError(msg *lineproto.Message) {
	text := strings.Join(msg.Params, ":")
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindError, Message: text, Err: errors.New("peer: remote error: " + text)})
}

// waitForAck reads the next line directly off the link and requires it be
// ACK. Unlike SendAndAwait/AwaitNext, this is called from inside a dispatch
// handler that is itself running on the reader-loop goroutine — at this
// point nothing else is reading the link, so there is no channel hand-off
// to arrange; it simply reads the reply itself.
func (c *Controller) waitForAck(timeout time.Duration) error {
	msg, err := lineproto.ReadMessage(c.link, timeout)
	if err != nil {
		return err
	}
	if msg == nil || msg.Command != lineproto.CmdAck {
		return errors.New("peer: expected ACK")
	}
	return nil
}

func writeFileAtomic(dest string, data []byte) error {
	tmp := dest + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// pruneEmptyParents removes dir and any now-empty ancestors, stopping at
// (and never removing) root.
func pruneEmptyParents(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
