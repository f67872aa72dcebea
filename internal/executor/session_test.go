package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/machina/machina/internal/toolhost"
	"github.com/machina/machina/internal/workspace"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test; it's the echo toolhost child
// process spawned by tests below, following the standard library's
// exec_test.go helper-process idiom.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MACHINA_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req toolhost.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintln(os.Stdout, `{"ok":false,"error":"bad request"}`)
			continue
		}
		resp := toolhost.Response{
			OK:         true,
			Status:     toolhost.StatusOK,
			OutputJSON: `{"echo":true}`,
			DSState:    &toolhost.DeltaState{Delta: true, Slots: map[string]*workspace.Artifact{"1": {Type: "echoed", ContentJSON: "{}"}}},
		}
		line, _ := toolhost.EncodeLine(resp)
		os.Stdout.Write(line)
	}
}

func helperCommand() []string {
	return []string{os.Args[0], "-test.run=TestHelperProcess", "--"}
}

func withHelperEnv(t *testing.T) {
	t.Helper()
	old, had := os.LookupEnv("MACHINA_WANT_HELPER_PROCESS")
	os.Setenv("MACHINA_WANT_HELPER_PROCESS", "1")
	t.Cleanup(func() {
		if had {
			os.Setenv("MACHINA_WANT_HELPER_PROCESS", old)
		} else {
			os.Unsetenv("MACHINA_WANT_HELPER_PROCESS")
		}
	})
}

func TestSessionPoolCallAppliesResponseDelta(t *testing.T) {
	withHelperEnv(t)

	pool, err := NewSessionPool(SessionPoolConfig{Command: helperCommand(), PoolSize: 1, CallTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer pool.Close()

	ws := workspace.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := pool.Call(ctx, toolhost.Request{AID: "TOOL.ECHO.v1"}, ws)
	require.NoError(t, err)
	require.True(t, resp.OK)

	a, _ := ws.Get(1)
	require.NotNil(t, a)
	require.Equal(t, "echoed", a.Type)
}

func TestSessionPoolReusesSessionAfterRelease(t *testing.T) {
	withHelperEnv(t)

	pool, err := NewSessionPool(SessionPoolConfig{Command: helperCommand(), PoolSize: 1, CallTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		ws := workspace.New()
		_, err := pool.Call(ctx, toolhost.Request{AID: "TOOL.ECHO.v1"}, ws)
		require.NoError(t, err)
	}
}

func TestSessionPoolAcquireBlocksUntilRelease(t *testing.T) {
	withHelperEnv(t)

	pool, err := NewSessionPool(SessionPoolConfig{Command: helperCommand(), PoolSize: 1, CallTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer pool.Close()

	s, err := pool.acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pool.release(s)
}

func TestSessionPoolSpawnFailsOnEmptyCommand(t *testing.T) {
	_, err := NewSessionPool(SessionPoolConfig{Command: nil, PoolSize: 1})
	require.Error(t, err)
}

func TestSessionPoolForkPerRequestUsesSnapshot(t *testing.T) {
	withHelperEnv(t)

	pool, err := NewSessionPool(SessionPoolConfig{Command: helperCommand(), PoolSize: 1, CallTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer pool.Close()

	ws := workspace.New()
	require.NoError(t, ws.Set(0, &workspace.Artifact{Type: "seed", ContentJSON: "{}"}))

	resp, err := pool.forkPerRequest(context.Background(), toolhost.Request{AID: "TOOL.ECHO.v1"}, ws)
	require.NoError(t, err)
	require.True(t, resp.OK)
}
