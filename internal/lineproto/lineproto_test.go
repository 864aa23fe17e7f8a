package lineproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	line := Encode(CmdFileData, "a/b.txt", "6", "false", "1700000000000")
	assert.Equal(t, "[[SYNC:FILE_DATA:a/b.txt:6:false:1700000000000]]\n", line)

	msg := Parse(line[:len(line)-1])
	if assert.NotNil(t, msg) {
		assert.Equal(t, CmdFileData, msg.Command)
		assert.Equal(t, []string{"a/b.txt", "6", "false", "1700000000000"}, msg.Params)
	}
}

func TestParseNoParams(t *testing.T) {
	msg := Parse("[[SYNC:SYNC_COMPLETE]]")
	if assert.NotNil(t, msg) {
		assert.Equal(t, CmdSyncComplete, msg.Command)
		assert.Empty(t, msg.Params)
	}
}

func TestParseMalformedIsNoMessage(t *testing.T) {
	assert.Nil(t, Parse("not a bracketed command"))
	assert.Nil(t, Parse("[[SYNC:MISSING_CLOSE"))
	assert.Nil(t, Parse("MISSING_OPEN]]"))
	assert.Nil(t, Parse("[[SYNC:]]"))
}

func TestSharedTextBase64RoundTrip(t *testing.T) {
	line := EncodeSharedText("hello : world\nwith newline")
	msg := Parse(line[:len(line)-1])
	if assert.NotNil(t, msg) && assert.Len(t, msg.Params, 1) {
		text, err := DecodeSharedText(msg.Params[0])
		assert.NoError(t, err)
		assert.Equal(t, "hello : world\nwith newline", text)
	}
}
