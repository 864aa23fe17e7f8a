package syncsession_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temaune502/wiresync/internal/bytelink"
	"github.com/temaune502/wiresync/internal/eventbus"
	"github.com/temaune502/wiresync/internal/peer"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func newController(t *testing.T, link bytelink.Link, root string) *peer.Controller {
	t.Helper()
	c := peer.New(peer.Config{Link: link, Bus: eventbus.New(), SyncRoot: root})
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func TestEndToEndSyncDeliversNewFile(t *testing.T) {
	a, b := bytelink.NewLoopback()
	rootA, rootB := t.TempDir(), t.TempDir()

	ctrlA := newController(t, a, rootA)
	ctrlB := newController(t, b, rootB)

	require.NoError(t, ctrlA.MarkConnectedForTesting())
	require.NoError(t, ctrlB.MarkConnectedForTesting())
	require.Eventually(t, func() bool {
		return ctrlA.State().RoleNegotiated() && ctrlB.State().RoleNegotiated()
	}, 2*time.Second, 5*time.Millisecond, "role negotiation never completed")

	sender, senderRoot, receiver, receiverRoot := ctrlA, rootA, ctrlB, rootB
	if !ctrlA.State().IsSender() {
		sender, senderRoot, receiver, receiverRoot = ctrlB, rootB, ctrlA, rootA
	}
	writeFile(t, filepath.Join(senderRoot, "a", "b.txt"), "hello\n")

	var completed bool
	receiver.Bus().Subscribe(func(ev eventbus.Event) {
		if ev.Kind == eventbus.KindCompletion {
			completed = true
		}
	})

	require.NoError(t, sender.StartSync())

	require.Eventually(t, func() bool { return completed }, 2*time.Second, 5*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(receiverRoot, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))
}

func TestStartSyncRejectsWhenNotSender(t *testing.T) {
	a, _ := bytelink.NewLoopback()
	root := t.TempDir()
	c := newController(t, a, root)

	err := c.StartSync()
	assert.Error(t, err)
}

func newStrictController(t *testing.T, link bytelink.Link, root string) *peer.Controller {
	t.Helper()
	c := peer.New(peer.Config{Link: link, Bus: eventbus.New(), SyncRoot: root, Strict: true})
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

// TestStrictSyncDeletesRemoteOnlyEntries covers spec.md §8 scenario S3: the
// sender holds only keep.txt, the receiver also has a stale gone.txt, and
// strict mode is configured on both peers, though only the sender's setting
// is used — the decision to delete is made sender-side by ChangeSet
// computation, never echoed back as a flag.
func TestStrictSyncDeletesRemoteOnlyEntries(t *testing.T) {
	a, b := bytelink.NewLoopback()
	rootA, rootB := t.TempDir(), t.TempDir()

	ctrlA := newStrictController(t, a, rootA)
	ctrlB := newStrictController(t, b, rootB)

	require.NoError(t, ctrlA.MarkConnectedForTesting())
	require.NoError(t, ctrlB.MarkConnectedForTesting())
	require.Eventually(t, func() bool {
		return ctrlA.State().RoleNegotiated() && ctrlB.State().RoleNegotiated()
	}, 2*time.Second, 5*time.Millisecond, "role negotiation never completed")

	sender, senderRoot, receiver, receiverRoot := ctrlA, rootA, ctrlB, rootB
	if !ctrlA.State().IsSender() {
		sender, senderRoot, receiver, receiverRoot = ctrlB, rootB, ctrlA, rootA
	}
	writeFile(t, filepath.Join(senderRoot, "keep.txt"), "keep")
	writeFile(t, filepath.Join(receiverRoot, "keep.txt"), "keep")
	writeFile(t, filepath.Join(receiverRoot, "gone.txt"), "stale")

	var completed bool
	receiver.Bus().Subscribe(func(ev eventbus.Event) {
		if ev.Kind == eventbus.KindCompletion {
			completed = true
		}
	})

	require.NoError(t, sender.StartSync())
	require.Eventually(t, func() bool { return completed }, 2*time.Second, 5*time.Millisecond)

	_, err := os.Stat(filepath.Join(receiverRoot, "gone.txt"))
	assert.True(t, os.IsNotExist(err), "gone.txt should have been deleted by strict mode")
	_, err = os.Stat(filepath.Join(receiverRoot, "keep.txt"))
	assert.NoError(t, err)
}
