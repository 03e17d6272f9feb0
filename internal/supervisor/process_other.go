//go:build !unix

package supervisor

import "os/exec"

// configureProcess keeps the exec.CommandContext default (kill on cancel).
func configureProcess(*exec.Cmd) {}
