package embedding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// =============================================================================
// EXTERNAL SUBPROCESS EMBEDDING ENGINE
// =============================================================================

// ExternalEngine generates embeddings by shelling out to an external
// command once per batch: one line of input text in and one line out per
// input, each output line a JSON object carrying a "vector" float32 array
// or an "error" string.
type ExternalEngine struct {
	command []string
	timeout time.Duration
	dims    int
}

// NewExternalEngine creates an embedding engine that delegates to an
// external command. command[0] is the executable, the rest are its
// arguments; a zero timeout defaults to 30s.
func NewExternalEngine(command []string, timeout time.Duration) (*ExternalEngine, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("external embedding command is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExternalEngine{command: command, timeout: timeout, dims: 0}, nil
}

type externalEmbedLine struct {
	Vector []float32 `json:"vector"`
	Error  string    `json:"error,omitempty"`
}

// Embed generates an embedding for a single text.
func (e *ExternalEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch writes one line of input per text to the subprocess's stdin and
// reads one line of JSON output per text from stdout, in order.
func (e *ExternalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.command[0], e.command[1:]...)

	var input bytes.Buffer
	for _, t := range texts {
		input.WriteString(strings.ReplaceAll(t, "\n", " "))
		input.WriteByte('\n')
	}
	cmd.Stdin = &input

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("external embedding command failed: %w: %s", err, stderr.String())
	}

	out := make([][]float32, 0, len(texts))
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var parsed externalEmbedLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return nil, fmt.Errorf("external embedding output: decode line: %w", err)
		}
		if parsed.Error != "" {
			return nil, fmt.Errorf("external embedding provider error: %s", parsed.Error)
		}
		out = append(out, parsed.Vector)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("external embedding output: %w", err)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("external embedding command returned %d vectors for %d inputs", len(out), len(texts))
	}
	if e.dims == 0 && len(out) > 0 {
		e.dims = len(out[0])
	}
	return out, nil
}

// Dimensions returns the dimensionality observed in the first successful
// response, or 0 before one.
func (e *ExternalEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *ExternalEngine) Name() string {
	return fmt.Sprintf("external:%s", strings.Join(e.command, " "))
}
