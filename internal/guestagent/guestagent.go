// Package guestagent implements the host side of the QEMU Guest Agent
// (QGA) wire protocol over a virtio-serial port (spec.md §4.14): a
// line-delimited JSON request/response exchange used to ask a
// cooperating guest to shut down, reboot, or answer a liveness ping.
package guestagent

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	errPortNotOpen  = errors.New("guestagent: port not open")
	errSyncMismatch = errors.New("guestagent: guest-sync-delimited id mismatch")
	errNotSynced    = errors.New("guestagent: not synced")
)

// PortName is the virtio-serial port name the guest-resident agent
// listens on.
const PortName = "org.qemu.guest_agent.0"

type request struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type syncArgs struct {
	ID int64 `json:"id"`
}

type response struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error,omitempty"`
}

// SendFunc transmits one already-framed line to the guest's receive
// queue for the agent port.
type SendFunc func(data []byte) bool

// Agent proxies guest-agent commands over one virtio-serial port. It
// accumulates bytes received from the guest, splitting on the protocol's
// 0xFF flush-delimiter and newlines, and dispatches complete lines.
type Agent struct {
	log  *logrus.Entry
	send SendFunc

	mu       sync.Mutex
	buf      []byte
	synced   bool
	pending  map[int64]chan response
}

// New constructs an Agent that writes framed commands via send.
func New(send SendFunc, log *logrus.Entry) *Agent {
	return &Agent{send: send, log: log, pending: make(map[int64]chan response)}
}

// HandleData is the virtio-serial DataFunc callback for the guest-agent
// port: it feeds bytes received from the guest into the framer.
func (a *Agent) HandleData(data []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, data...)
	buf := a.buf
	a.mu.Unlock()

	for {
		if i := bytes.IndexByte(buf, 0xFF); i >= 0 {
			buf = buf[i+1:]
			continue
		}
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]
		a.dispatch(line)
	}

	a.mu.Lock()
	a.buf = append([]byte(nil), buf...)
	a.mu.Unlock()
}

func (a *Agent) dispatch(line []byte) {
	var rsp struct {
		Return json.RawMessage `json:"return"`
		Error  *struct {
			Class string `json:"class"`
			Desc  string `json:"desc"`
		} `json:"error"`
		idEcho int64
	}
	if err := json.Unmarshal(line, &rsp); err != nil {
		a.log.WithError(err).Debug("guestagent: malformed line from guest")
		return
	}
	var id int64
	if len(rsp.Return) > 0 {
		_ = json.Unmarshal(rsp.Return, &id)
	}
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	ch <- response{Return: rsp.Return, Error: rsp.Error}
}

// Open issues guest-sync-delimited and blocks until the matching return
// arrives, marking the connection active on success.
func (a *Agent) Open() error {
	id := newSyncID()
	ch := make(chan response, 1)
	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()

	args, _ := json.Marshal(syncArgs{ID: id})
	payload, err := json.Marshal(request{Execute: "guest-sync-delimited", Arguments: args})
	if err != nil {
		return err
	}
	if !a.send(append([]byte{0xFF}, append(payload, '\n')...)) {
		return errPortNotOpen
	}

	rsp := <-ch
	var gotID int64
	if err := json.Unmarshal(rsp.Return, &gotID); err != nil || gotID != id {
		return errSyncMismatch
	}
	a.mu.Lock()
	a.synced = true
	a.mu.Unlock()
	return nil
}

// Ping issues guest-ping once the agent is synced and returns after the
// request is written; it does not wait for or check the guest's reply
// (original guest_agent_handler.h, spec.md §4.23).
func (a *Agent) Ping() error {
	_, err := a.call("guest-ping", nil)
	return err
}

// Shutdown issues guest-shutdown with the given mode.
func (a *Agent) Shutdown(mode string) error {
	args, _ := json.Marshal(map[string]string{"mode": mode})
	_, err := a.call("guest-shutdown", args)
	return err
}

func (a *Agent) call(cmd string, args json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	if !a.synced {
		a.mu.Unlock()
		return nil, errNotSynced
	}
	a.mu.Unlock()

	payload, err := json.Marshal(request{Execute: cmd, Arguments: args})
	if err != nil {
		return nil, err
	}
	if !a.send(append(payload, '\n')) {
		return nil, errPortNotOpen
	}
	return nil, nil
}

func newSyncID() int64 {
	id := uuid.New()
	// Fold the 128-bit uuid down to a positive int64, matching the
	// protocol's plain JSON-number id field.
	var v int64
	for i := 0; i < 8; i++ {
		v = v<<8 | int64(id[i])
	}
	if v < 0 {
		v = -v
	}
	return v
}
