package fbt

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/temaune502/wiresync/internal/bytelink"
)

// Receive accepts a Framed Block Transfer initiated by the peer, returning
// the reassembled payload. The trailing 0x1A padding used to fill the last
// block is stripped; callers that need to distinguish real trailing 0x1A
// bytes from padding must carry an explicit byte count out-of-band (spec.md
// §4.1 invariants).
func Receive(link bytelink.Link, logger *zap.Logger, opts ...Option) ([]byte, error) {
	logger = nonNil(logger)
	cfg := buildSettings(opts)

	if err := link.ClearInput(); err != nil {
		return nil, errors.Wrap(err, "fbt: clear input before handshake")
	}
	firstByte, err := sendHandshake(link)
	if err != nil {
		return nil, err
	}

	var payload []byte
	expected := 1
	retries := 0
	pending := firstByte

	for {
		var header int
		if pending >= 0 {
			header, pending = pending, -1
		} else {
			var err error
			header, err = readByteWithin(link, perByteDeadline)
			if err != nil {
				retries++
				cfg.retried()
				if retries > maxRetries {
					_ = sendCancel(link)
					return nil, errors.Wrap(ErrTimeout, "fbt: receiver exhausted retries waiting for header")
				}
				if nerr := link.WriteByte(nak); nerr != nil {
					return nil, errors.Wrap(nerr, "fbt: write NAK")
				}
				continue
			}
		}

		switch byte(header) {
		case eot:
			if werr := link.WriteByte(ack); werr != nil {
				return nil, errors.Wrap(werr, "fbt: ack EOT")
			}
			return stripPadding(payload), nil
		case can:
			return nil, errors.Wrap(ErrCancelled, "fbt: sender cancelled")
		case soh, stx:
			size := smallBlockSize
			if byte(header) == stx {
				size = LargeBlockSize
			}
			ok, data, err := readBlockBody(link, size, expected)
			if err != nil {
				return nil, err
			}
			if !ok {
				retries++
				cfg.retried()
				if retries > maxRetries {
					_ = sendCancel(link)
					return nil, errors.Wrap(ErrCorrupt, "fbt: receiver exhausted retries on corrupt block")
				}
				if werr := link.WriteByte(nak); werr != nil {
					return nil, errors.Wrap(werr, "fbt: write NAK")
				}
				continue
			}
			switch data.kind {
			case blockExpected:
				payload = append(payload, data.body...)
				if werr := link.WriteByte(ack); werr != nil {
					return nil, errors.Wrap(werr, "fbt: ack block")
				}
				retries = 0
				expected = (expected + 1) % 256
			case blockDuplicate:
				if werr := link.WriteByte(ack); werr != nil {
					return nil, errors.Wrap(werr, "fbt: ack duplicate block")
				}
			case blockOutOfSequence:
				if werr := link.WriteByte(nak); werr != nil {
					return nil, errors.Wrap(werr, "fbt: nak out-of-sequence block")
				}
			}
		default:
			_ = link.ClearInput()
			retries++
			cfg.retried()
			if retries > maxRetries {
				_ = sendCancel(link)
				return nil, errors.Wrap(ErrCorrupt, "fbt: receiver exhausted retries on unexpected header")
			}
			if werr := link.WriteByte(nak); werr != nil {
				return nil, errors.Wrap(werr, "fbt: write NAK")
			}
		}
	}
}

type blockKind int

const (
	blockExpected blockKind = iota
	blockDuplicate
	blockOutOfSequence
)

type blockData struct {
	kind blockKind
	body []byte
}

// readBlockBody reads the remainder of a SOH/STX frame (2 metadata bytes,
// size data bytes, 2 CRC bytes) and validates it. ok is false when the
// block failed CRC or complement validation and should be NAK'd; when ok is
// true, data.kind says whether to append, ACK-without-append (duplicate),
// or NAK (out of sequence).
func readBlockBody(link bytelink.Link, size int, expected int) (bool, blockData, error) {
	meta, err := link.ReadExact(2, perByteDeadline)
	if err != nil {
		return false, blockData{}, errors.Wrap(ErrTimeout, "fbt: read block metadata")
	}
	body, err := link.ReadExact(size, perByteDeadline)
	if err != nil {
		return false, blockData{}, errors.Wrap(ErrTimeout, "fbt: read block body")
	}
	crcBytes, err := link.ReadExact(2, perByteDeadline)
	if err != nil {
		return false, blockData{}, errors.Wrap(ErrTimeout, "fbt: read block crc")
	}

	blockNum := int(meta[0])
	complement := int(meta[1])
	if blockNum+complement != 255 {
		return false, blockData{}, nil
	}
	wantCRC := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
	if crc16(body) != wantCRC {
		return false, blockData{}, nil
	}

	switch {
	case blockNum == expected%256:
		return true, blockData{kind: blockExpected, body: body}, nil
	case blockNum == (expected-1+256)%256:
		return true, blockData{kind: blockDuplicate}, nil
	default:
		return true, blockData{kind: blockOutOfSequence}, nil
	}
}

// sendHandshake sends 'C' up to receiverCRounds times, one per second,
// until it observes any byte on the wire. Per spec.md §4.1, that first
// observed byte ends the handshake — it is not discarded, since it is
// already the first header byte of the sender's first frame.
func sendHandshake(link bytelink.Link) (int, error) {
	for i := 0; i < receiverCRounds; i++ {
		if err := link.WriteByte(chr); err != nil {
			return -1, errors.Wrap(err, "fbt: write C")
		}
		b, err := readByteWithin(link, receiverCWait)
		if err == nil && b >= 0 {
			return b, nil
		}
	}
	return -1, errors.Wrapf(ErrHandshake, "fbt: receiver got no response within %d rounds", receiverCRounds)
}

func stripPadding(payload []byte) []byte {
	end := len(payload)
	for end > 0 && payload[end-1] == padByte {
		end--
	}
	return payload[:end]
}
