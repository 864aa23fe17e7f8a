package lineproto

import (
	"errors"
	"time"

	"github.com/temaune502/wiresync/internal/bytelink"
)

// ReadMessage reads one line from link and parses it. It returns (nil, nil)
// both when the read timed out with no data (the caller should simply poll
// again) and when the line failed to parse as a bracketed command — the
// line-protocol framing treats both as "no message available right now".
func ReadMessage(link bytelink.Link, timeout time.Duration) (*Message, error) {
	line, err := link.ReadLine(timeout)
	if err != nil {
		if errors.Is(err, bytelink.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}
	return Parse(line), nil
}

// Send writes an encoded command line to link.
func Send(link bytelink.Link, cmd Command, params ...string) error {
	_, err := link.Write([]byte(Encode(cmd, params...)))
	return err
}
