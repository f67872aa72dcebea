package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/machina/machina/internal/logging"
	"github.com/machina/machina/internal/toolhost"
	"github.com/machina/machina/internal/workspace"
)

// DefaultSessionPoolSize matches the spec's default fixed pool size per
// plugin.
const DefaultSessionPoolSize = 2

// maxRespawnFailures is the number of consecutive failed respawns before
// a lease falls back to fork-per-request mode, sending the full
// workspace instead of a delta.
const maxRespawnFailures = 3

var (
	ErrSessionPoolClosed = errors.New("executor: session pool closed")
	ErrSessionCallTimeout = errors.New("executor: session call timed out")
)

// session wraps one long-lived toolhost child process.
type session struct {
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Scanner
	baseWorkspace *workspace.Workspace
	dead          bool
	respawnFails  int
}

// SessionPoolConfig configures one plugin's out-of-proc pool.
type SessionPoolConfig struct {
	Command     []string // argv to start the toolhost child
	PoolSize    int
	CallTimeout time.Duration
}

// SessionPool manages a fixed set of toolhost child processes for one
// plugin, each leased exclusively per call. Grounded on
// internal/core/spawn_queue.go's worker-pool/backpressure idiom,
// generalized from shard-spawn slots to toolhost session leases. Backpressure
// for the fixed pool size is a weighted semaphore (one unit per slot) rather
// than the teacher's atomic-counter-plus-condition-variable, since blocking
// acquire-until-free is exactly what semaphore.Weighted is for.
type SessionPool struct {
	cfg SessionPoolConfig
	sem *semaphore.Weighted

	mu       sync.Mutex
	freeList []*session
	all      []*session
	closed   bool
}

// NewSessionPool starts cfg.PoolSize sessions (or DefaultSessionPoolSize
// if unset) by spawning cfg.Command once per slot. The slots are spawned
// concurrently via errgroup so a pool of N children starts in roughly one
// child's boot time rather than N of them.
func NewSessionPool(cfg SessionPoolConfig) (*SessionPool, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultSessionPoolSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	p := &SessionPool{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.PoolSize))}

	sessions := make([]*session, cfg.PoolSize)
	var g errgroup.Group
	for i := 0; i < cfg.PoolSize; i++ {
		i := i
		g.Go(func() error {
			s, err := p.spawn()
			if err != nil {
				return fmt.Errorf("executor: spawn session %d: %w", i, err)
			}
			sessions[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				_ = s.stdin.Close()
				_ = s.cmd.Process.Kill()
			}
		}
		return nil, err
	}

	p.all = sessions
	p.freeList = append(p.freeList, sessions...)
	return p, nil
}

func (p *SessionPool) spawn() (*session, error) {
	if len(p.cfg.Command) == 0 {
		return nil, errors.New("executor: empty toolhost command")
	}
	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &session{
		cmd:           cmd,
		stdin:         stdin,
		stdout:        bufio.NewScanner(stdout),
		baseWorkspace: workspace.New(),
	}, nil
}

// acquire blocks until a session slot is free, or ctx is done.
func (p *SessionPool) acquire(ctx context.Context) (*session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrSessionPoolClosed
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.sem.Release(1)
		return nil, ErrSessionPoolClosed
	}
	n := len(p.freeList)
	s := p.freeList[n-1]
	p.freeList = p.freeList[:n-1]
	return s, nil
}

func (p *SessionPool) release(s *session) {
	p.mu.Lock()
	p.freeList = append(p.freeList, s)
	p.mu.Unlock()
	p.sem.Release(1)
}

// respawn replaces a dead session's underlying process in place. On the
// third consecutive respawn failure, the session is left dead and the
// caller falls back to fork-per-request mode for that lease.
func (p *SessionPool) respawn(s *session) error {
	fresh, err := p.spawn()
	if err != nil {
		s.respawnFails++
		if s.respawnFails >= maxRespawnFailures {
			logging.Get(logging.CategoryExecutor).Warnw("session respawn failed repeatedly, falling back to fork-per-request", "failures", s.respawnFails)
		}
		return err
	}
	s.cmd = fresh.cmd
	s.stdin = fresh.stdin
	s.stdout = fresh.stdout
	s.baseWorkspace = workspace.New()
	s.dead = false
	s.respawnFails = 0
	return nil
}

// Call sends one request through a leased session, applying its response
// delta to ws (the caller's workspace, not the session's base_workspace),
// then updates base_workspace to the post-apply state.
func (p *SessionPool) Call(ctx context.Context, req toolhost.Request, ws *workspace.Workspace) (*toolhost.Response, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.respawnFails >= maxRespawnFailures {
		resp, err := p.forkPerRequest(ctx, req, ws)
		if err == nil {
			return resp, nil
		}
		// fall through to try the pooled session path below if fork mode
		// itself is unavailable (no fallback command configured)
	}

	if s.dead {
		if err := p.respawn(s); err != nil {
			return p.forkPerRequest(ctx, req, ws)
		}
	}

	req.DSState = toolhost.Diff(s.baseWorkspace, ws)

	resp, err := p.roundTrip(s, req)
	if err != nil {
		s.dead = true
		return nil, err
	}

	if err := toolhost.Apply(ws, resp.DSState); err != nil {
		return nil, fmt.Errorf("executor: apply response delta: %w", err)
	}
	s.baseWorkspace = ws.Clone()

	return resp, nil
}

func (p *SessionPool) roundTrip(s *session, req toolhost.Request) (*toolhost.Response, error) {
	line, err := toolhost.EncodeLine(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(line); err != nil {
		return nil, fmt.Errorf("executor: write request: %w", err)
	}

	if !s.stdout.Scan() {
		if err := s.stdout.Err(); err != nil {
			return nil, fmt.Errorf("executor: read response: %w", err)
		}
		return nil, io.EOF
	}

	var resp toolhost.Response
	if err := json.Unmarshal(s.stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("executor: decode response: %w", err)
	}
	return &resp, nil
}

// forkPerRequest is the degraded path used once a session has failed to
// respawn three times: it sends the full workspace instead of a delta,
// via a one-shot invocation of the same command.
func (p *SessionPool) forkPerRequest(ctx context.Context, req toolhost.Request, ws *workspace.Workspace) (*toolhost.Response, error) {
	if len(p.cfg.Command) == 0 {
		return nil, errors.New("executor: no command configured for fork-per-request fallback")
	}
	req.DSState = toolhost.Snapshot(ws)

	line, err := toolhost.EncodeLine(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	cmd := exec.CommandContext(callCtx, p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(line)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("executor: fork-per-request: %w", err)
	}

	var resp toolhost.Response
	if nl := bytes.IndexByte(out, '\n'); nl >= 0 {
		out = out[:nl]
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("executor: decode fork response: %w", err)
	}
	if err := toolhost.Apply(ws, resp.DSState); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close terminates every session's child process. Further acquire calls
// return ErrSessionPoolClosed instead of blocking forever on the semaphore.
func (p *SessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, s := range p.all {
		s.mu.Lock()
		_ = s.stdin.Close()
		_ = s.cmd.Process.Kill()
		s.mu.Unlock()
	}
}
