package genesis

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// devmodeAllowedPackages mirrors the teacher's YaegiExecutor.allowedPackages:
// a small, explicitly safe stdlib subset with no filesystem, network, or
// exec access.
var devmodeAllowedPackages = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"path":            true,
	"path/filepath":   true,
}

// DevInterpreter runs Genesis tool bodies through yaegi instead of
// go build -buildmode=plugin. Pipeline does not call it, and Config.DevMode
// does not route compile or load through it. Generalizes
// internal/autopoiesis/yaegi_executor.go's YaegiExecutor.
type DevInterpreter struct{}

// NewDevInterpreter returns a dev-mode interpreter.
func NewDevInterpreter() *DevInterpreter {
	return &DevInterpreter{}
}

// validateImports rejects any import outside devmodeAllowedPackages.
func (d *DevInterpreter) validateImports(source string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			pkg := strings.Trim(trimmed, `"`)
			if pkg != "" && !devmodeAllowedPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			if pkg != "" && !devmodeAllowedPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("devmode: forbidden imports: %v", forbidden)
	}
	return nil
}

// Eval interprets source (expected to define RunTool(string) (string, error))
// and invokes it with input, under ctx's deadline.
func (d *DevInterpreter) Eval(ctx context.Context, source, input string) (string, error) {
	if err := d.validateImports(source); err != nil {
		return "", err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("devmode: load stdlib: %w", err)
	}

	wrapped := source
	if !strings.Contains(wrapped, "package main") {
		wrapped = "package main\n\n" + wrapped
	}
	if _, err := i.Eval(wrapped); err != nil {
		return "", fmt.Errorf("devmode: eval: %w", err)
	}

	runTool, err := i.Eval("main.RunTool")
	if err != nil {
		return "", fmt.Errorf("devmode: RunTool not found: %w", err)
	}
	fn, ok := runTool.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("devmode: RunTool has wrong signature, want func(string) (string, error)")
	}

	type outcome struct {
		val string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(input)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("devmode: %w", ctx.Err())
	}
}
