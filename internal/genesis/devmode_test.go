package genesis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDevInterpreterEvalsSimpleTool(t *testing.T) {
	d := NewDevInterpreter()
	source := `package main

import "strings"

func RunTool(in string) (string, error) {
	return strings.ToUpper(in), nil
}
`
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := d.Eval(ctx, source, "hello")
	require.NoError(t, err)
	require.Equal(t, "HELLO", out)
}

func TestDevInterpreterRejectsForbiddenImport(t *testing.T) {
	d := NewDevInterpreter()
	source := `package main

import (
	"os/exec"
)

func RunTool(in string) (string, error) {
	_ = exec.Command
	return in, nil
}
`
	_, err := d.Eval(context.Background(), source, "x")
	require.Error(t, err)
}
