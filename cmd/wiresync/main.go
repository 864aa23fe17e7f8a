// Command wiresync is the headless CLI front end for the sync core: it
// attaches a ByteLink to a caller-specified path, drives a Peer Controller
// over it, and prints the events the bus publishes the way a GUI would
// render them in its status pane.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/temaune502/wiresync/internal/bytelink"
	"github.com/temaune502/wiresync/internal/eventbus"
	"github.com/temaune502/wiresync/internal/metrics"
	"github.com/temaune502/wiresync/internal/peer"
)

func usage() {
	fmt.Println(`wiresync -- file sync over a serial link

Usage:
  wiresync --device PATH [flags]          Interactive mode (recommended)
  wiresync --device PATH sync [flags]     Run one sync round and exit

Flags:
  --device PATH        Device node, named pipe, or PTY to attach (required)
  --dir PATH           Root directory to sync (default "./synced")
  --no-gitignore       Ignore .gitignore files instead of honoring them
  --quick              Quick mode: compare size+mtime only, skip hashing
  --strict             Strict mode: also delete remote entries absent locally
  --cache PATH         Manifest cache file for warm-start digest reuse
  --metrics-addr ADDR  Serve Prometheus metrics at http://ADDR/metrics
  --quiet              Suppress per-event console output

wiresync never opens or enumerates serial ports on its own: --device names
a handle the caller already has access to.`)
}

// getFlag extracts the value following a named flag from args, returning
// the value (or def if absent) and args with the flag and its value
// removed.
func getFlag(args []string, name string, def string) (string, []string) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], append(args[:i:i], args[i+2:]...)
		}
	}
	return def, args
}

// hasFlag extracts a boolean flag, returning whether it was present and
// args with it removed.
func hasFlag(args []string, name string) (bool, []string) {
	for i, a := range args {
		if a == name {
			return true, append(args[:i:i], args[i+1:]...)
		}
	}
	return false, args
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		usage()
		return
	}

	var devicePath string
	devicePath, args = getFlag(args, "--device", "")
	dir, args := getFlag(args, "--dir", "./synced")
	cachePath, args := getFlag(args, "--cache", "")
	metricsAddr, args := getFlag(args, "--metrics-addr", "")
	var noGitignore, quick, strict, quiet bool
	noGitignore, args = hasFlag(args, "--no-gitignore")
	quick, args = hasFlag(args, "--quick")
	strict, args = hasFlag(args, "--strict")
	quiet, args = hasFlag(args, "--quiet")

	if devicePath == "" {
		fmt.Fprintln(os.Stderr, "wiresync: --device is required")
		os.Exit(1)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "wiresync: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	handle, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wiresync: cannot open %s: %v\n", devicePath, err)
		os.Exit(1)
	}
	link := bytelink.NewFile(handle)

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "wiresync: metrics server stopped: %v\n", err)
			}
		}()
	}

	bus := eventbus.New()
	ctrl := peer.New(peer.Config{
		Link:              link,
		Logger:            logger,
		Bus:               bus,
		Metrics:           m,
		SyncRoot:          dir,
		RespectGitignore:  !noGitignore,
		QuickMode:         quick,
		Strict:            strict,
		ManifestCachePath: cachePath,
	})

	if !quiet {
		bus.Subscribe(printEvent)
	}

	if err := ctrl.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "wiresync: cannot start: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Stop()

	if len(args) == 0 {
		runInteractive(ctrl, dir)
		return
	}

	switch strings.ToLower(args[0]) {
	case "sync":
		doSync(ctrl)
	default:
		fmt.Fprintf(os.Stderr, "wiresync: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

const replHelp = `
Commands:
  sync          Run one sync round now (only the sender role may initiate)
  status        Show connection, role, and sync state
  dir           Show the syncing directory
  help          Show this message
  exit          Quit
`

func runInteractive(ctrl *peer.Controller, dir string) {
	fmt.Printf("wiresync  |  syncing %s\n", dir)
	fmt.Println("Ready. Type 'help' for commands, 'exit' to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("wiresync> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit", "q":
			fmt.Println("Bye.")
			return
		case "help", "h", "?":
			fmt.Print(replHelp)
		case "sync":
			doSync(ctrl)
		case "status":
			printStatus(ctrl)
		case "dir":
			fmt.Printf("  Syncing: %s\n", dir)
		default:
			fmt.Printf("  Unknown command: %q (type 'help')\n", line)
		}
	}
}

func doSync(ctrl *peer.Controller) {
	if err := ctrl.StartSync(); err != nil {
		fmt.Printf("  sync failed: %v\n", err)
	}
}

func printStatus(ctrl *peer.Controller) {
	s := ctrl.State()
	role := "receiver"
	if s.IsSender() {
		role = "sender"
	}
	fmt.Printf("  connection_alive=%v  role=%s  negotiated=%v  syncing=%v\n",
		s.ConnectionAlive(), role, s.RoleNegotiated(), s.Syncing())
}

func printEvent(ev eventbus.Event) {
	ts := time.Now().Format("15:04:05")
	switch ev.Kind {
	case eventbus.KindLog:
		fmt.Printf("[%s] %s\n", ts, ev.Message)
	case eventbus.KindError:
		fmt.Printf("[%s] ERROR: %s: %v\n", ts, ev.Message, ev.Err)
	case eventbus.KindProgress:
		fmt.Printf("[%s] %s  %d/%d bytes\n", ts, ev.FileName, ev.BytesSent, ev.BytesTotal)
	case eventbus.KindConnection:
		fmt.Printf("[%s] connection %s\n", ts, connState(ev.Connected))
	case eventbus.KindDirection:
		fmt.Printf("[%s] role negotiated: %s\n", ts, roleName(ev.IsSender))
	case eventbus.KindCompletion:
		fmt.Printf("[%s] sync complete (%d files)\n", ts, ev.FilesSynced)
	case eventbus.KindSharedText:
		fmt.Printf("[%s] shared text received: %s\n", ts, ev.Text)
	default:
		fmt.Printf("[%s] %s\n", ts, ev.Kind)
	}
}

func connState(up bool) string {
	if up {
		return "established"
	}
	return "lost"
}

func roleName(isSender bool) string {
	if isSender {
		return "sender"
	}
	return "receiver"
}
