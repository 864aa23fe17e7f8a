package peer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temaune502/wiresync/internal/bytelink"
	"github.com/temaune502/wiresync/internal/eventbus"
	"github.com/temaune502/wiresync/internal/lineproto"
)

func shrinkHeartbeat(t *testing.T) {
	t.Helper()
	origInterval, origTimeout, origTick, origReadTimeout := HeartbeatInterval, HeartbeatTimeout, heartbeatTick, readLineTimeout
	HeartbeatInterval = 30 * time.Millisecond
	HeartbeatTimeout = 100 * time.Millisecond
	heartbeatTick = 5 * time.Millisecond
	readLineTimeout = 5 * time.Millisecond
	t.Cleanup(func() {
		HeartbeatInterval, HeartbeatTimeout, heartbeatTick, readLineTimeout = origInterval, origTimeout, origTick, origReadTimeout
	})
}

func newTestController(t *testing.T, link bytelink.Link, root string) *Controller {
	t.Helper()
	c := New(Config{
		Link:     link,
		Bus:      eventbus.New(),
		SyncRoot: root,
	})
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func TestRoleNegotiationIsAntisymmetric(t *testing.T) {
	shrinkHeartbeat(t)
	a, b := bytelink.NewLoopback()
	rootA, rootB := t.TempDir(), t.TempDir()

	ca := newTestController(t, a, rootA)
	cb := newTestController(t, b, rootB)

	ca.MarkConnectedForTesting()
	cb.MarkConnectedForTesting()

	require.Eventually(t, func() bool {
		return ca.State().RoleNegotiated() && cb.State().RoleNegotiated()
	}, time.Second, time.Millisecond, "role negotiation did not complete")

	assert.NotEqual(t, ca.State().IsSender(), cb.State().IsSender())
}

func TestHeartbeatMarksConnectionLostWhenSendFails(t *testing.T) {
	shrinkHeartbeat(t)
	a, b := bytelink.NewLoopback()
	root := t.TempDir()
	ca := newTestController(t, a, root)

	ca.State().setConnectionAlive(true)
	ca.State().setLastHeartbeatReceived(nowMillis())
	b.Close()

	require.Eventually(t, func() bool {
		return !ca.State().ConnectionAlive()
	}, time.Second, time.Millisecond, "connection was never marked lost")
}

func TestFileDeleteRemovesFileAndPrunesEmptyParents(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	target := filepath.Join(nested, "gone.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	_, dummy := bytelink.NewLoopback()
	c := &Controller{link: dummy, bus: eventbus.New(), syncRoot: root, state: &ConnectionState{}}
	c.handleFileDelete(&lineproto.Message{Command: lineproto.CmdFileDelete, Params: []string{"a/b/gone.txt"}})

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "a"))
	assert.True(t, os.IsNotExist(err), "empty parent directories should be pruned")
}

func TestMkdirAndRmdir(t *testing.T) {
	root := t.TempDir()
	_, dummy := bytelink.NewLoopback()
	c := &Controller{link: dummy, bus: eventbus.New(), syncRoot: root, state: &ConnectionState{}}

	c.handleMkdir(&lineproto.Message{Command: lineproto.CmdMkdir, Params: []string{"new/dir"}})
	info, err := os.Stat(filepath.Join(root, "new", "dir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	c.handleRmdir(&lineproto.Message{Command: lineproto.CmdRmdir, Params: []string{"new"}})
	_, err = os.Stat(filepath.Join(root, "new"))
	assert.True(t, os.IsNotExist(err))
}
