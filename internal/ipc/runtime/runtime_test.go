package runtime

import (
	"bufio"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tenbox/tenbox/internal/ipc/protocol"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestEnqueueHeadDropsDisplayFramesOnly(t *testing.T) {
	pr, pw := io.Pipe()
	e := New(pw, pr, "vm-1", discardLogger())

	for i := 0; i < maxQueuedDisplayFrames+5; i++ {
		e.Enqueue(DisplayFrame("vm-1", 1, 1, 1, "bgra", 0, 0, 1, 1, []byte{byte(i)}))
	}
	for i := 0; i < 10; i++ {
		e.Enqueue(RuntimeState("vm-1", "running", 0))
	}

	e.mu.Lock()
	require.LessOrEqual(t, len(e.display), maxQueuedDisplayFrames)
	require.Len(t, e.control, 10)
	e.mu.Unlock()
}

func TestSendWorkerFlushesQueuedMessages(t *testing.T) {
	pr, pw := io.Pipe()
	e := New(pw, nil, "vm-1", discardLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.SendWorker()
	}()

	e.Enqueue(RuntimeState("vm-1", "starting", 0))

	r := bufio.NewReader(pr)
	done := make(chan struct{})
	var msg protocol.Message
	var err error
	go func() {
		msg, err = protocol.ReadMessage(r)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed message")
	}
	require.NoError(t, err)
	require.Equal(t, "runtime.state", msg.Type)
	require.Equal(t, "starting", msg.Fields["state"])

	e.Close()
	pw.Close()
	wg.Wait()
}

func TestReceiveLoopDispatchesDecodedMessages(t *testing.T) {
	pr, pw := io.Pipe()
	e := New(io.Discard, pr, "vm-1", discardLogger())

	received := make(chan protocol.Message, 1)
	e.OnMessage = func(m protocol.Message) { received <- m }

	go e.ReceiveLoop()

	_, err := pw.Write(protocol.Encode(protocol.Message{
		Channel:   protocol.ChannelControl,
		Kind:      protocol.KindRequest,
		Type:      "runtime.ping",
		VMID:      "vm-1",
		RequestID: 1,
		Fields:    map[string]string{},
	}))
	require.NoError(t, err)

	select {
	case m := <-received:
		require.Equal(t, "runtime.ping", m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}

	pw.Close()
}
