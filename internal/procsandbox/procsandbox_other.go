//go:build !unix

package procsandbox

import "os/exec"

// applyIsolation is a no-op on non-unix platforms: no process-group
// primitive is available through os/exec's portable surface, so isolation
// degrades to direct-child-only SIGKILL. Returns true to mark the
// degradation, per spec.md §9's sandbox-portability open question.
func applyIsolation(cmd *exec.Cmd, limits Limits) bool {
	return true
}

// killProcessTree kills only the direct child: no process-group support.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}
