// Package genesis implements the self-extension pipeline: write a tool's
// source under a sandboxed root, compile it to a Go plugin, hash-verify
// and load it. Directly generalizes internal/autopoiesis/ouroboros.go's
// OuroborosLoop (Detection→Specification→SafetyCheck→Compilation→
// Registration) onto the three GENESIS.* tools, with the compile target
// changed from a standalone executable to a Go plugin (go build
// -buildmode=plugin) so LOAD_PLUGIN can use the standard library's
// plugin.Open/plugin.Lookup.
package genesis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/machina/machina/internal/logging"
)

// ABIVersion is the host's plugin ABI version. A plugin must export
// MachinaPluginABIVersion() int returning exactly this value.
const ABIVersion = 1

// Sentinel errors surfaced to the step loop for journaling.
var (
	ErrPathEscape       = errors.New("genesis: path escapes sandboxed source root")
	ErrGuardViolation   = errors.New("genesis: source failed guard scan")
	ErrHashMismatch     = errors.New("genesis: hash mismatch")
	ErrABIMismatch      = errors.New("genesis: plugin abi version mismatch")
	ErrCapabilityExcess = errors.New("genesis: plugin requests capabilities outside allowed mask")
	ErrBreakerOpen      = errors.New("genesis: circuit breaker open for this output name")
	ErrMissingSymbol    = errors.New("genesis: plugin missing required exported symbol")
)

// bannedPatterns is the guard scan's fixed banned-token list: process/exec
// APIs, socket/bind/listen, ptrace, mprotect/mmap-with-exec, and a few
// headers/imports with no legitimate use in a tool plugin.
var bannedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bos/exec\b`),
	regexp.MustCompile(`\bsyscall\.(Exec|ForkExec|StartProcess)\b`),
	regexp.MustCompile(`\bos\.StartProcess\b`),
	regexp.MustCompile(`\bsyscall\.(Socket|Bind|Listen|Connect)\b`),
	regexp.MustCompile(`\bnet\.Listen\b`),
	regexp.MustCompile(`\bsyscall\.PtraceAttach\b`),
	regexp.MustCompile(`\bsyscall\.Mprotect\b`),
	regexp.MustCompile(`\bsyscall\.Mmap\b.*PROT_EXEC`),
	regexp.MustCompile(`"unsafe"`),
	regexp.MustCompile(`"runtime/cgo"`),
	regexp.MustCompile(`#include\s*<sys/ptrace\.h>`),
}

// GuardScan rejects source containing any banned token. Defense-in-depth,
// explicitly bypassable via Config.DevMode — never in production.
func GuardScan(source string) error {
	for _, p := range bannedPatterns {
		if p.MatchString(source) {
			return fmt.Errorf("%w: matched %s", ErrGuardViolation, p.String())
		}
	}
	return nil
}

// Config configures the Genesis pipeline's sandboxed roots and limits.
type Config struct {
	SrcRoot             string // runtime_genesis/src, sandbox root for WRITE_FILE
	PluginDir           string // runtime_plugins, compiled .so destination
	CompileTimeout      time.Duration
	AllowedCapabilities uint32
	DevMode             bool // skips GuardScan in WriteFile and CompileShared; compile and load still run
	BreakerThreshold    int
	BreakerCooldown     time.Duration
}

// DefaultConfig returns spec-reasonable defaults rooted at workspaceRoot.
func DefaultConfig(workspaceRoot string) Config {
	return Config{
		SrcRoot:             filepath.Join(workspaceRoot, "runtime_genesis", "src"),
		PluginDir:           filepath.Join(workspaceRoot, "runtime_plugins"),
		CompileTimeout:      30 * time.Second,
		AllowedCapabilities: 0xFFFFFFFF,
		BreakerThreshold:    3,
		BreakerCooldown:     60 * time.Second,
	}
}

// Pipeline holds Genesis state: config plus the per-output-name circuit
// breakers guarding GENESIS.COMPILE_SHARED.
type Pipeline struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*outputBreaker
}

// New returns a Pipeline over cfg.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg, breakers: make(map[string]*outputBreaker)}
}

type outputBreaker struct {
	failures  int
	openUntil time.Time
}

func (p *Pipeline) breakerFor(name string) *outputBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[name]
	if !ok {
		b = &outputBreaker{}
		p.breakers[name] = b
	}
	return b
}

func (p *Pipeline) breakerOpen(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[name]
	return ok && time.Now().Before(b.openUntil)
}

func (p *Pipeline) recordCompileFailure(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.breakers[name]
	if b == nil {
		b = &outputBreaker{}
		p.breakers[name] = b
	}
	threshold := p.cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 3
	}
	b.failures++
	if b.failures >= threshold {
		cooldown := p.cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = 60 * time.Second
		}
		b.openUntil = time.Now().Add(cooldown)
	}
}

func (p *Pipeline) recordCompileSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakers, name)
}

// WriteResult is the outcome of GENESIS.WRITE_FILE.
type WriteResult struct {
	Path     string
	SHA256   string
	NumBytes int
}

// WriteFile validates relPath (no "..", confined to cfg.SrcRoot), runs the
// guard scan over content, and writes it. The caller (step loop) is
// responsible for emitting the resulting WROTE stage marker into DS6 and
// a result artifact into DS7.
func (p *Pipeline) WriteFile(relPath, content string) (*WriteResult, error) {
	if strings.Contains(relPath, "..") {
		return nil, ErrPathEscape
	}
	abs := filepath.Join(p.cfg.SrcRoot, relPath)
	rootAbs, err := filepath.Abs(p.cfg.SrcRoot)
	if err != nil {
		return nil, err
	}
	absClean, err := filepath.Abs(abs)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(absClean, rootAbs) {
		return nil, ErrPathEscape
	}

	if !p.cfg.DevMode {
		if err := GuardScan(content); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(absClean), 0o755); err != nil {
		return nil, fmt.Errorf("genesis: mkdir: %w", err)
	}
	if err := os.WriteFile(absClean, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("genesis: write: %w", err)
	}

	sum := sha256.Sum256([]byte(content))
	logging.Get(logging.CategoryGenesis).Infow("wrote genesis source", "path", relPath, "bytes", len(content))
	return &WriteResult{Path: absClean, SHA256: hex.EncodeToString(sum[:]), NumBytes: len(content)}, nil
}

// CompileResult is the outcome of GENESIS.COMPILE_SHARED.
type CompileResult struct {
	OutputPath string
	SHA256     string
}

// pluginPackageTemplate wraps a tool body (which must define the function
// named by entrySymbol, of type func(string) (string, error)) with the
// exported ABI surface every Genesis plugin must carry; MachinaPluginInit
// registers that function under outputName as its aid.
const pluginPackageTemplate = `package main

%s

func MachinaPluginABIVersion() int { return %d }

func MachinaPluginCapabilities() uint32 { return %d }

func MachinaPluginInit(registrar func(aid string, fn func(string) (string, error)) error) error {
	return registrar(%q, %s)
}
`

// CompileShared re-runs the guard over source, wraps it into a buildable
// plugin package, and invokes `go build -buildmode=plugin`. outputName
// becomes "<outputName>.so" under cfg.PluginDir. Protected by a per-
// output-name circuit breaker: repeated compile failures trip it and
// further attempts are rejected until the cooldown elapses.
func (p *Pipeline) CompileShared(ctx context.Context, source, outputName, entrySymbol string, capabilities uint32) (*CompileResult, error) {
	if p.breakerOpen(outputName) {
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, outputName)
	}
	if !p.cfg.DevMode {
		if err := GuardScan(source); err != nil {
			return nil, err
		}
	}

	tmpDir, err := os.MkdirTemp("", "genesis-build-*")
	if err != nil {
		return nil, fmt.Errorf("genesis: tmp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	wrapped := fmt.Sprintf(pluginPackageTemplate, source, ABIVersion, capabilities, outputName, entrySymbol)
	if err := os.WriteFile(filepath.Join(tmpDir, "plugin.go"), []byte(wrapped), 0o644); err != nil {
		p.recordCompileFailure(outputName)
		return nil, fmt.Errorf("genesis: write plugin source: %w", err)
	}
	modContent := fmt.Sprintf("module genesis.local/%s\n\ngo 1.24\n", sanitizeModuleName(outputName))
	if err := os.WriteFile(filepath.Join(tmpDir, "go.mod"), []byte(modContent), 0o644); err != nil {
		p.recordCompileFailure(outputName)
		return nil, fmt.Errorf("genesis: write go.mod: %w", err)
	}

	if err := os.MkdirAll(p.cfg.PluginDir, 0o755); err != nil {
		p.recordCompileFailure(outputName)
		return nil, fmt.Errorf("genesis: mkdir plugin dir: %w", err)
	}
	outputPath := filepath.Join(p.cfg.PluginDir, outputName+".so")

	timeout := p.cfg.CompileTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(buildCtx, "go", "build", "-buildmode=plugin", "-o", outputPath, ".")
	cmd.Dir = tmpDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		p.recordCompileFailure(outputName)
		logging.Get(logging.CategoryGenesis).Warnw("compile failed", "output", outputName, "stderr", stderr.String())
		return nil, fmt.Errorf("genesis: compile: %w: %s", err, stderr.String())
	}

	content, err := os.ReadFile(outputPath)
	if err != nil {
		p.recordCompileFailure(outputName)
		return nil, fmt.Errorf("genesis: read compiled plugin: %w", err)
	}
	sum := sha256.Sum256(content)
	p.recordCompileSuccess(outputName)
	logging.Get(logging.CategoryGenesis).Infow("compiled genesis plugin", "output", outputName, "sha256", hex.EncodeToString(sum[:]))
	return &CompileResult{OutputPath: outputPath, SHA256: hex.EncodeToString(sum[:])}, nil
}

func sanitizeModuleName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}

// LoadResult is the outcome of GENESIS.LOAD_PLUGIN.
type LoadResult struct {
	AID          string
	Capabilities uint32
}

// Registrar is called by MachinaPluginInit to register the newly loaded
// tool. The step loop supplies one backed by internal/registry.
type Registrar func(aid string, fn func(string) (string, error)) error

// LoadPlugin re-hashes path, compares it against expectedSHA256 in
// constant time (mismatch is fatal), then opens the plugin and invokes
// its exported init callback via registrar. Any failure — hash mismatch,
// ABI mismatch, excess capabilities, missing symbol, dlopen error — is
// always rejected; the caller is expected to record it against the load
// circuit breaker and continue the run without the plugin registered.
func LoadPlugin(path, expectedSHA256 string, allowedCapabilities uint32, registrar Registrar) (*LoadResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read plugin: %w", err)
	}
	sum := sha256.Sum256(content)
	actual := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expectedSHA256)) != 1 {
		return nil, ErrHashMismatch
	}

	plug, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: open plugin: %w", err)
	}

	abiSym, err := plug.Lookup("MachinaPluginABIVersion")
	if err != nil {
		return nil, fmt.Errorf("%w: MachinaPluginABIVersion", ErrMissingSymbol)
	}
	abiFn, ok := abiSym.(func() int)
	if !ok {
		return nil, fmt.Errorf("%w: MachinaPluginABIVersion has wrong signature", ErrMissingSymbol)
	}
	if abiFn() != ABIVersion {
		return nil, ErrABIMismatch
	}

	var caps uint32
	if capSym, err := plug.Lookup("MachinaPluginCapabilities"); err == nil {
		capFn, ok := capSym.(func() uint32)
		if !ok {
			return nil, fmt.Errorf("%w: MachinaPluginCapabilities has wrong signature", ErrMissingSymbol)
		}
		caps = capFn()
		if caps&^allowedCapabilities != 0 {
			return nil, ErrCapabilityExcess
		}
	}

	initSym, err := plug.Lookup("MachinaPluginInit")
	if err != nil {
		return nil, fmt.Errorf("%w: MachinaPluginInit", ErrMissingSymbol)
	}
	initFn, ok := initSym.(func(func(string, func(string) (string, error)) error) error)
	if !ok {
		return nil, fmt.Errorf("%w: MachinaPluginInit has wrong signature", ErrMissingSymbol)
	}

	var registeredAID string
	wrap := func(aid string, fn func(string) (string, error)) error {
		registeredAID = aid
		return registrar(aid, fn)
	}
	if err := initFn(wrap); err != nil {
		return nil, fmt.Errorf("genesis: plugin init: %w", err)
	}

	logging.Get(logging.CategoryGenesis).Infow("loaded genesis plugin", "path", path, "aid", registeredAID, "capabilities", caps)
	return &LoadResult{AID: registeredAID, Capabilities: caps}, nil
}
