package guestagent

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestOpenCompletesSyncHandshake(t *testing.T) {
	var a *Agent
	var line []byte
	a = New(func(data []byte) bool {
		line = append([]byte(nil), data...)
		// Loop the framed command straight back as the guest's reply,
		// synchronously, as a stand-in for the virtio-serial round trip.
		var req request
		require.NoError(t, json.Unmarshal(line[1:len(line)-1], &req))
		var args syncArgs
		require.NoError(t, json.Unmarshal(req.Arguments, &args))
		reply, _ := json.Marshal(map[string]int64{"return": args.ID})
		go a.HandleData(append(reply, '\n'))
		return true
	}, logrus.NewEntry(logrus.New()))

	require.NoError(t, a.Open())
	require.Equal(t, byte(0xFF), line[0])
}

func TestHandleDataResetsOnFlushDelimiter(t *testing.T) {
	a := New(func([]byte) bool { return true }, logrus.NewEntry(logrus.New()))
	a.mu.Lock()
	a.pending[1] = make(chan response, 1)
	a.mu.Unlock()

	// A partial line followed by a 0xFF reset, then a full line, must
	// only dispatch the post-reset line.
	a.HandleData([]byte(`{"garbage`))
	a.HandleData([]byte{0xFF})
	a.HandleData([]byte(`{"return":1}` + "\n"))

	a.mu.Lock()
	_, stillPending := a.pending[1]
	a.mu.Unlock()
	require.False(t, stillPending)
}
