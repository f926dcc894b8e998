//go:build unix

package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shellrelay/pkg/bus"
	"shellrelay/pkg/executor"
	"shellrelay/pkg/protocol"
	"shellrelay/pkg/workspace"

	"github.com/stretchr/testify/require"
)

func realPipeline(t *testing.T) (*executor.Pipeline, string) {
	t.Helper()

	root := t.TempDir()
	guard, err := workspace.NewGuard(root, true)
	require.NoError(t, err)

	runner := executor.NewRunner(executor.RunnerOptions{KillGrace: 200 * time.Millisecond}, testLogger())
	return executor.NewPipeline(runner, guard, executor.PipelineOptions{}, testLogger()), guard.Root()
}

func TestGatewayE2EListFiles(t *testing.T) {
	pipeline, root := realPipeline(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "marker.txt"), []byte("x"), 0o644))

	gw := newScriptedGateway([]bus.InboundMessage{message(1, 42, "list files")})
	tool := newFakeTool(map[string][]protocol.CommandSpec{"list files": plan("ls -la")})

	opts := baseOptions()
	opts.WorkingDir = root
	opts.AllowedChatIDs = []int64{42}
	svc, err := NewService(gw, staticFactory(tool), pipeline, nil, opts, testLogger())
	require.NoError(t, err)
	runUntilDrained(t, svc, gw)

	sent := gw.messages()
	require.Len(t, sent, 2)
	require.Contains(t, sent[1].Text, "All 1 command succeeded")
	require.Contains(t, sent[1].Text, "marker.txt")
}

func TestGatewayE2EStopsAtFirstFailure(t *testing.T) {
	pipeline, root := realPipeline(t)
	target := filepath.Join(root, "x")

	gw := newScriptedGateway([]bus.InboundMessage{message(1, 42, "make and break")})
	tool := newFakeTool(map[string][]protocol.CommandSpec{
		"make and break": plan("mkdir "+target, "false", "rm -rf "+target),
	})

	opts := baseOptions()
	opts.EchoResult = false
	opts.WorkingDir = root
	svc, err := NewService(gw, staticFactory(tool), pipeline, nil, opts, testLogger())
	require.NoError(t, err)
	runUntilDrained(t, svc, gw)

	info, err := os.Stat(target)
	require.NoError(t, err, "third command must not have run")
	require.True(t, info.IsDir())

	sent := gw.messages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "Stopped at command 2 of 3 (failed)")
}

func TestGatewayReadyzFollowsToolServerState(t *testing.T) {
	port := freeTCPPort(t)
	gw := newScriptedGateway()
	tool := newFakeTool(nil)

	opts := baseOptions()
	opts.StatusListen = fmt.Sprintf("127.0.0.1:%d", port)
	svc, err := NewService(gw, staticFactory(tool), &fakeExecutor{}, nil, opts, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, base+"/healthz", 2*time.Second))
	waitForStatus(t, base+"/readyz", http.StatusOK, 2*time.Second)

	tool.crash()
	waitForStatus(t, base+"/readyz", http.StatusServiceUnavailable, 2*time.Second)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, base+"/healthz", 2*time.Second))

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func waitForStatus(t *testing.T, url string, want int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		got := waitHTTPStatus(t, url, timeout)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s status = %d, want %d", url, got, want)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
