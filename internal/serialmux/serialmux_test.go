package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// pipePort feeds reads from an io.Pipe and records writes.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	closed   bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.r.Close()
}

func (p *pipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestSendCommand_AppendsNewline(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	m := NewSerialMux(port)

	require.NoError(t, m.SendCommand("CTL,0.100,0.000,0.000,0"))
	require.NoError(t, m.SendCommand("PING\n"))
	assert.Equal(t, "CTL,0.100,0.000,0.000,0\nPING\n", port.Written())

	port.writeErr = errors.New("unplugged")
	assert.ErrorIs(t, m.SendCommand("x"), ErrWriteFailed)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.SendCommand("x"), ErrClosed)
}

func TestMonitor_FansOutLines(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	m := NewSerialMux(port)

	id1, ch1 := m.Subscribe()
	_, ch2 := m.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()

	go port.w.Write([]byte("ACK,1\n"))
	for _, ch := range []chan string{ch1, ch2} {
		select {
		case line := <-ch:
			assert.Equal(t, "ACK,1", line)
		case <-time.After(2 * time.Second):
			t.Fatal("line not delivered")
		}
	}

	m.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel should be closed")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitor_EOFEndsCleanly(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	m := NewSerialMux(port)
	go func() {
		port.w.Write([]byte("last\n"))
		port.w.Close()
	}()
	assert.NoError(t, m.Monitor(context.Background()))
}

func TestClose_ClosesSubscribers(t *testing.T) {
	t.Parallel()
	m := NewSerialMux(newPipePort())
	_, ch := m.Subscribe()
	require.NoError(t, m.Close())
	_, ok := <-ch
	assert.False(t, ok)
}

func TestAdminRoutes_SendCommand(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	m := NewSerialMux(port)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"ok", http.MethodPost, url.Values{"command": {"STOP"}}, http.StatusOK},
		{"missing", http.MethodPost, url.Values{}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/debug/send-command-api", strings.NewReader(tt.form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, tt.status, rec.Code, tt.name)
	}
	assert.Equal(t, "STOP\n", port.Written())
}

func TestAdminRoutes_Tail(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	m := NewSerialMux(port)
	defer m.Close()
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Monitor(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	go func() {
		for i := 0; i < 50 && ctx.Err() == nil; i++ {
			port.w.Write([]byte("ACK,7\n"))
			time.Sleep(20 * time.Millisecond)
		}
	}()
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") {
			break
		}
	}
	assert.Equal(t, "data: ACK,7\n", line)
}

func TestDisabledSerialMux(t *testing.T) {
	t.Parallel()
	d := NewDisabledSerialMux()
	var _ SerialMuxInterface = d
	var _ SerialMuxInterface = NewSerialMux(newPipePort())

	require.NoError(t, d.SendCommand("a"))
	require.NoError(t, d.SendCommand("b"))
	assert.Equal(t, []string{"a", "b"}, d.Sent())

	_, ch := d.Subscribe()
	require.NoError(t, d.Close())
	_, ok := <-ch
	assert.False(t, ok)
	_, late := d.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)
}

func TestPortOptions(t *testing.T) {
	t.Parallel()
	got, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, got)

	mode, err := PortOptions{StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)

	assert.True(t, PortOptions{}.Equal(PortOptions{BaudRate: DefaultBaudRate, Parity: "none"}))
	assert.False(t, PortOptions{}.Equal(PortOptions{BaudRate: 9600}))

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}
