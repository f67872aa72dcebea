package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestEnqueuePopOrdersByPriority(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(9000, "low", map[string]any{"v": 1})
	require.NoError(t, err)
	_, err = q.Enqueue(1000, "high", map[string]any{"v": 2})
	require.NoError(t, err)

	first, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 1000, first.Priority)

	second, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 9000, second.Priority)
}

func TestPopBlocksUntilEnqueueThenShutdownUnblocks(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	defer q.Close()

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not unblock after Shutdown")
	}
}

func TestDoneWritesResultAndMovesFile(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	defer q.Close()

	name, err := q.Enqueue(5000, "t", map[string]any{})
	require.NoError(t, err)
	_, err = q.Pop()
	require.NoError(t, err)

	require.NoError(t, q.Done(name, 1, map[string]any{"ok": true}))
}

func TestRecoverProcessingRenamesBackToInbox(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	defer q.Close()

	name, err := q.Enqueue(5000, "t", map[string]any{})
	require.NoError(t, err)
	_, err = q.Pop() // moves to processing/
	require.NoError(t, err)

	q2, err := Open(dir)
	require.NoError(t, err)
	defer q2.Close()

	recovered, err := q2.RecoverProcessing()
	require.NoError(t, err)
	require.Contains(t, recovered, name)
}

func TestPriorityFromName(t *testing.T) {
	p, err := PriorityFromName("p0042_tag_123_456.json")
	require.NoError(t, err)
	require.Equal(t, 42, p)

	_, err = PriorityFromName("bogus.json")
	require.Error(t, err)
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(1000, "a", map[string]any{})
	require.NoError(t, err)

	cpPath := dir + "/checkpoint.json"
	require.NoError(t, q.WriteCheckpoint(cpPath))

	q2, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q2.Close()
	require.NoError(t, q2.LoadCheckpoint(cpPath))
}
