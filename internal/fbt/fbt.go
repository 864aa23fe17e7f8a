// Package fbt implements the Framed Block Transfer: an XMODEM-family
// block-oriented protocol with CRC-16-CCITT and adaptive block sizes,
// layered over a bytelink.Link. It delivers an arbitrary in-memory byte
// payload in one direction, with corruption detection and bounded retries.
package fbt

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/temaune502/wiresync/internal/bytelink"
)

// Wire symbols (spec.md §4.1).
const (
	soh byte = 0x01 // 128-byte block
	stx byte = 0x02 // large block
	eot byte = 0x04
	ack byte = 0x06
	nak byte = 0x15
	can byte = 0x18
	chr byte = 0x43 // 'C'

	padByte = 0x1A
)

// LargeBlockSize is the STX block payload size this implementation uses;
// 1024 matches common XMODEM-1K practice. The size is chosen per block
// (see blockSizeFor): STX blocks while at least LargeBlockSize bytes remain,
// then 128-byte SOH blocks for the rest of the payload.
const LargeBlockSize = 1024

const smallBlockSize = 128

// These match spec.md §4.1 exactly (60s handshake wait, 10s per-byte
// deadline, 10 retries, one 'C' per second for 10 rounds). They are package
// variables rather than constants so tests can shrink them to keep
// fault-injection and exhaustion scenarios fast; production code never
// overrides them.
var (
	maxRetries      = 10
	handshakeWait   = 60 * time.Second
	perByteDeadline = 10 * time.Second
	receiverCWait   = time.Second
	receiverCRounds = 10
)

// Sentinel error kinds, matched with errors.Is. Each concrete error
// returned by this package wraps one of these alongside a human-readable
// diagnostic composed of retry counts, elapsed time, and similar
// post-mortem context (spec.md §7 "Propagation policy").
var (
	ErrTimeout   = errors.New("fbt: transport timeout")
	ErrCorrupt   = errors.New("fbt: protocol corruption")
	ErrCancelled = errors.New("fbt: peer cancelled transfer")
	ErrHandshake = errors.New("fbt: handshake failed")
)

// Option configures optional observability hooks on Send/Receive without
// disturbing the common 3-argument call shape every caller already uses.
type Option func(*settings)

type settings struct {
	onRetry func()
}

// WithOnRetry registers a callback invoked once per frame-level retry
// (NAK, timeout, corruption) — the hook the peer.Controller uses to drive
// the wiresync_fbt_retries_total metric without this package importing the
// metrics package itself.
func WithOnRetry(f func()) Option {
	return func(s *settings) { s.onRetry = f }
}

func buildSettings(opts []Option) settings {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	return s
}

func (s settings) retried() {
	if s.onRetry != nil {
		s.onRetry()
	}
}

func blockSizeFor(remaining int) (header byte, size int) {
	if remaining >= LargeBlockSize {
		return stx, LargeBlockSize
	}
	return soh, smallBlockSize
}

// Send transmits payload over link, blocking until the transfer completes
// or fails. It implements the sender protocol of spec.md §4.1 exactly.
func Send(link bytelink.Link, payload []byte, logger *zap.Logger, opts ...Option) error {
	logger = nonNil(logger)
	cfg := buildSettings(opts)

	if err := waitForHandshake(link); err != nil {
		return err
	}
	drainStaleHandshakeBytes(link)

	blockNum := 1
	offset := 0
	for offset < len(payload) || (offset == 0 && len(payload) == 0) {
		remaining := len(payload) - offset
		header, size := blockSizeFor(remaining)

		chunk := make([]byte, size)
		n := copy(chunk, payload[offset:])
		for i := n; i < size; i++ {
			chunk[i] = padByte
		}

		frame := buildFrame(header, blockNum, chunk)
		if err := sendFrameWithRetry(link, frame, blockNum, logger, cfg); err != nil {
			_ = sendCancel(link)
			return err
		}

		offset += n
		blockNum = (blockNum + 1) % 256
		if len(payload) == 0 {
			break
		}
	}

	return sendEOT(link, logger, cfg)
}

func buildFrame(header byte, blockNum int, data []byte) []byte {
	frame := make([]byte, 0, 3+len(data)+2)
	frame = append(frame, header, byte(blockNum), byte(255-blockNum))
	frame = append(frame, data...)
	crc := crc16(data)
	frame = append(frame, byte(crc>>8), byte(crc))
	return frame
}

func waitForHandshake(link bytelink.Link) error {
	deadline := time.Now().Add(handshakeWait)
	for time.Now().Before(deadline) {
		b, err := readByteWithin(link, 200*time.Millisecond)
		if err != nil {
			continue
		}
		if b == int(chr) {
			return nil
		}
		// other bytes (including NAK) are ignored while waiting
	}
	return errors.Wrap(ErrHandshake, "fbt: sender saw no 'C' within 60s")
}

func drainStaleHandshakeBytes(link bytelink.Link) {
	for {
		n, err := link.Available()
		if err != nil || n == 0 {
			return
		}
		b, err := readByteWithin(link, 50*time.Millisecond)
		if err != nil || (b != int(chr) && b != int(nak)) {
			return
		}
	}
}

func sendFrameWithRetry(link bytelink.Link, frame []byte, blockNum int, logger *zap.Logger, cfg settings) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := link.Write(frame); err != nil {
			return errors.Wrapf(err, "fbt: write block %d (attempt %d)", blockNum, attempt+1)
		}
		resp, err := readByteWithin(link, perByteDeadline)
		if err != nil {
			cfg.retried()
			logger.Debug("fbt: block response timeout, retrying", zap.Int("block", blockNum), zap.Int("attempt", attempt+1))
			continue
		}
		switch byte(resp) {
		case ack:
			return nil
		case can:
			return errors.Wrap(ErrCancelled, "fbt: receiver cancelled")
		case nak, chr:
			cfg.retried()
			logger.Debug("fbt: block nak/stale-C, retrying", zap.Int("block", blockNum), zap.Int("attempt", attempt+1))
			continue
		default:
			cfg.retried()
			logger.Debug("fbt: unexpected response byte, retrying", zap.Int("block", blockNum), zap.Int("response", resp))
			continue
		}
	}
	return errors.Wrapf(ErrTimeout, "fbt: block %d exhausted %d retries", blockNum, maxRetries)
}

func sendEOT(link bytelink.Link, logger *zap.Logger, cfg settings) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := link.WriteByte(eot); err != nil {
			return errors.Wrap(err, "fbt: write EOT")
		}
		resp, err := readByteWithin(link, perByteDeadline)
		if err != nil {
			cfg.retried()
			continue
		}
		if byte(resp) == ack {
			return nil
		}
		if byte(resp) == can {
			return errors.Wrap(ErrCancelled, "fbt: receiver cancelled at EOT")
		}
		cfg.retried()
		logger.Debug("fbt: EOT not acked, retrying", zap.Int("attempt", attempt+1))
	}
	_ = sendCancel(link)
	return errors.Wrapf(ErrTimeout, "fbt: EOT exhausted %d retries", maxRetries)
}

func sendCancel(link bytelink.Link) error {
	_, err := link.Write([]byte{can, can})
	return err
}

func readByteWithin(link bytelink.Link, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, err := link.Available()
		if err != nil {
			return -1, err
		}
		if n > 0 {
			buf := make([]byte, 1)
			if _, err := link.Read(buf); err != nil {
				return -1, err
			}
			return int(buf[0]), nil
		}
		if time.Now().After(deadline) {
			return -1, errors.Wrap(ErrTimeout, "fbt: no byte available")
		}
		time.Sleep(time.Millisecond)
	}
}

func nonNil(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
