package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		Channel:   ChannelControl,
		Kind:      KindEvent,
		Type:      "runtime.state",
		VMID:      "vm-1",
		RequestID: 42,
		Fields: map[string]string{
			"state":     "running",
			"exit_code": "0",
		},
	}

	framed := Encode(m)
	got, payloadSize, err := ParseLine(string(framed))
	require.NoError(t, err)
	require.Zero(t, payloadSize)
	require.Equal(t, m.Channel, got.Channel)
	require.Equal(t, m.Kind, got.Kind)
	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.VMID, got.VMID)
	require.Equal(t, m.RequestID, got.RequestID)
	require.Equal(t, m.Fields, got.Fields)
}

func TestEncodeDecodeEscapesReservedBytes(t *testing.T) {
	m := Message{
		Channel:   ChannelConsole,
		Kind:      KindEvent,
		Type:      "console.data",
		VMID:      "vm-1",
		RequestID: 1,
		Fields: map[string]string{
			"data_hex": "deadbeef",
			"weird":    "a\tb=c\\d\ne",
		},
	}

	framed := Encode(m)
	require.NotContains(t, string(framed[:bytes.IndexByte(framed, '\n')]), "a\tb=c\\d\ne")

	got, _, err := ParseLine(string(framed))
	require.NoError(t, err)
	require.Equal(t, "a\tb=c\\d\ne", got.Fields["weird"])
}

func TestReadMessageHandlesPayloadContinuation(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0xFF, 0x00}
	m := Message{
		Channel:   ChannelDisplay,
		Kind:      KindEvent,
		Type:      "display.frame",
		VMID:      "vm-1",
		RequestID: 7,
		Fields: map[string]string{
			"width":  "640",
			"height": "480",
		},
		Payload: payload,
	}

	var buf bytes.Buffer
	buf.Write(Encode(m))
	buf.Write(Encode(Message{Channel: ChannelControl, Kind: KindEvent, Type: "runtime.ping_like", VMID: "vm-1", RequestID: 8, Fields: map[string]string{}}))

	r := bufio.NewReader(&buf)

	first, err := ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, payload, first.Payload)
	require.Equal(t, "640", first.Fields["width"])

	second, err := ReadMessage(r)
	require.NoError(t, err)
	require.Empty(t, second.Payload)
	require.Equal(t, uint64(8), second.RequestID)
}

func TestParseLineRejectsMissingMandatoryField(t *testing.T) {
	_, _, err := ParseLine("version=1\tchannel=control\tkind=event\ttype=runtime.state\n")
	require.Error(t, err)
}
