package transport

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startProcess(t *testing.T, spec Spec) *Process {
	t.Helper()

	p, err := Start(spec, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSendAndReceiveLine(t *testing.T) {
	p := startProcess(t, Spec{Command: "cat"})

	require.NoError(t, p.SendLine([]byte(`{"jsonrpc":"2.0","id":1}`)))
	line, err := p.RecvLine(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, `{"jsonrpc":"2.0","id":1}`, string(line))
}

func TestRecvLineTimesOutWithoutKillingProcess(t *testing.T) {
	p := startProcess(t, Spec{Command: "cat"})

	_, err := p.RecvLine(time.Now().Add(50 * time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, p.SendLine([]byte("still-alive")))
	line, err := p.RecvLine(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, "still-alive", string(line))
}

func TestRecvLineReportsEOFOnceThenClosed(t *testing.T) {
	p := startProcess(t, Spec{Command: "sh", Args: []string{"-c", "echo one"}})

	line, err := p.RecvLine(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, "one", string(line))

	_, err = p.RecvLine(time.Now().Add(5 * time.Second))
	require.ErrorIs(t, err, io.EOF)

	for i := 0; i < 2; i++ {
		_, err = p.RecvLine(time.Now().Add(time.Second))
		var readErr *ReadError
		require.True(t, errors.As(err, &readErr))
		require.ErrorIs(t, err, ErrClosed)
	}
}

func TestStartReturnsSpawnError(t *testing.T) {
	_, err := Start(Spec{Command: filepath.Join(t.TempDir(), "missing-tool-server")}, testLogger())

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
}

func TestSendLineRejectsEmbeddedNewline(t *testing.T) {
	p := startProcess(t, Spec{Command: "cat"})

	err := p.SendLine([]byte("a\nb"))
	require.ErrorIs(t, err, ErrEmbeddedNewline)
}

func TestStartAppliesEnvAndDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	p := startProcess(t, Spec{
		Command: "sh",
		Args:    []string{"-c", `echo "$RELAY_MARKER:$(pwd -P)"`},
		Env:     map[string]string{"RELAY_MARKER": "marker"},
		Dir:     dir,
	})

	line, err := p.RecvLine(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, "marker:"+dir, string(line))
}

func TestSendLineAfterExitFails(t *testing.T) {
	p := startProcess(t, Spec{Command: "sh", Args: []string{"-c", "exit 0"}})

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	err := p.SendLine([]byte("late"))
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
}

func TestCloseIsIdempotent(t *testing.T) {
	p := startProcess(t, Spec{Command: "cat"})

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	select {
	case <-p.Done():
	default:
		t.Fatal("expected process to be reaped after Close")
	}
}
