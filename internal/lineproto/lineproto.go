// Package lineproto implements the newline-delimited, UTF-8, bracketed
// control-plane protocol that shares the wire with Framed Block Transfer
// without either corrupting the other (spec.md §4.2).
package lineproto

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

// Command is one of the enumerated line-protocol commands of spec.md §6.
type Command string

const (
	CmdManifestReq   Command = "MANIFEST_REQ"
	CmdManifestData  Command = "MANIFEST_DATA"
	CmdFileReq       Command = "FILE_REQ"
	CmdFileData      Command = "FILE_DATA"
	CmdFileDelete    Command = "FILE_DELETE"
	CmdMkdir         Command = "MKDIR"
	CmdRmdir         Command = "RMDIR"
	CmdSyncComplete  Command = "SYNC_COMPLETE"
	CmdDirectionChg  Command = "DIRECTION_CHANGE"
	CmdRoleNegotiate Command = "ROLE_NEGOTIATE"
	CmdAck           Command = "ACK"
	CmdError         Command = "ERROR"
	CmdHeartbeat     Command = "HEARTBEAT"
	CmdHeartbeatAck  Command = "HEARTBEAT_ACK"
	CmdSharedText    Command = "SHARED_TEXT"
)

const (
	prefix = "[[SYNC:"
	suffix = "]]"
	sep    = ":"
)

// Message is a parsed line-protocol record: a command plus its ordered,
// positional string parameters.
type Message struct {
	Command Command
	Params  []string
}

// Encode renders a Message as the wire line, including the trailing '\n'.
func Encode(cmd Command, params ...string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(string(cmd))
	for _, p := range params {
		sb.WriteString(sep)
		sb.WriteString(p)
	}
	sb.WriteString(suffix)
	sb.WriteString("\n")
	return sb.String()
}

// EncodeSharedText base64-encodes text so it can travel as a single
// parameter even though the grammar otherwise disallows ':' in params.
func EncodeSharedText(text string) string {
	return Encode(CmdSharedText, base64.StdEncoding.EncodeToString([]byte(text)))
}

// DecodeSharedText reverses EncodeSharedText's payload parameter.
func DecodeSharedText(param string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(param)
	if err != nil {
		return "", errors.Wrap(err, "lineproto: invalid base64 in SHARED_TEXT")
	}
	return string(raw), nil
}

// Parse turns one already-line-split, already-CRLF-normalised string into a
// Message. Malformed bracketing parses to nil: "no message", per
// spec.md §4.2 — the caller should silently discard it, optionally logging
// a warning (spec.md §9).
func Parse(line string) *Message {
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, suffix) {
		return nil
	}
	body := line[len(prefix) : len(line)-len(suffix)]
	if body == "" {
		return nil
	}
	parts := strings.Split(body, sep)
	if parts[0] == "" {
		return nil
	}
	return &Message{
		Command: Command(parts[0]),
		Params:  parts[1:],
	}
}
