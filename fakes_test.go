package spslink

import (
	"sync"
	"time"

	"github.com/srg/spslink/internal/atcmd"
	"github.com/srg/spslink/internal/edm"
)

// fakeATClient is a scriptable command/response collaborator. Dispatch runs
// callbacks synchronously, which makes correlation completions deterministic
// in unit tests.
type fakeATClient struct {
	mu       sync.Mutex
	handlers map[string]atcmd.URCHandler

	connectHandle int
	connectErr    error
	connectCalls  []string

	disconnectErr   error
	disconnectCalls []int

	urcErr      error
	dispatchErr error
}

func newFakeATClient() *fakeATClient {
	return &fakeATClient{handlers: make(map[string]atcmd.URCHandler)}
}

func (f *fakeATClient) AddURCHandler(prefix string, h atcmd.URCHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.urcErr != nil {
		return f.urcErr
	}
	if _, ok := f.handlers[prefix]; ok {
		return &atcmd.DuplicateHandlerError{Prefix: prefix}
	}
	f.handlers[prefix] = h
	return nil
}

func (f *fakeATClient) RemoveURCHandler(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, prefix)
}

func (f *fakeATClient) Dispatch(fn func()) error {
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	fn()
	return nil
}

func (f *fakeATClient) ConnectSps(addr string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls = append(f.connectCalls, addr)
	if f.connectErr != nil {
		return 0, f.connectErr
	}
	return f.connectHandle, nil
}

func (f *fakeATClient) Disconnect(connHandle int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls = append(f.disconnectCalls, connHandle)
	return f.disconnectErr
}

// fireURC simulates the module emitting a URC line.
func (f *fakeATClient) fireURC(prefix string, args ...string) bool {
	f.mu.Lock()
	h, ok := f.handlers[prefix]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(args)
	return true
}

func (f *fakeATClient) hasHandler(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[prefix]
	return ok
}

// writeRecord captures one stream write for assertions.
type writeRecord struct {
	channel int
	data    []byte
	timeout time.Duration
}

// fakeStream is a scriptable stream-multiplexer collaborator.
type fakeStream struct {
	mu     sync.Mutex
	connCb edm.ConnectionCallback
	dataCb edm.DataCallback

	writes   []writeRecord
	writeErr error
	cbErr    error
}

func newFakeStream() *fakeStream {
	return &fakeStream{}
}

func (f *fakeStream) SetConnectionCallback(cb edm.ConnectionCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cbErr != nil {
		return f.cbErr
	}
	f.connCb = cb
	return nil
}

func (f *fakeStream) SetDataCallback(cb edm.DataCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cbErr != nil {
		return f.cbErr
	}
	f.dataCb = cb
	return nil
}

func (f *fakeStream) Write(channel int, p []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	data := make([]byte, len(p))
	copy(data, p)
	f.writes = append(f.writes, writeRecord{channel: channel, data: data, timeout: timeout})
	return len(p), nil
}

// emitConnection simulates the stream delivering a connection event.
func (f *fakeStream) emitConnection(ev edm.ConnectionEvent) bool {
	f.mu.Lock()
	cb := f.connCb
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(ev)
	return true
}

// emitData simulates the stream delivering a payload frame.
func (f *fakeStream) emitData(channel int, data []byte) bool {
	f.mu.Lock()
	cb := f.dataCb
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(channel, data)
	return true
}

func (f *fakeStream) hasConnCallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connCb != nil
}

func (f *fakeStream) hasDataCallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dataCb != nil
}

func (f *fakeStream) lastWrite() (writeRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return writeRecord{}, false
	}
	return f.writes[len(f.writes)-1], true
}
