// ABOUTME: Unix process-group plumbing for worker lifecycle control
// ABOUTME: Workers run in their own group so signals reach the whole tree

//go:build unix

package orchestrator

import (
	"os/exec"
	"syscall"
)

// detach places the worker in its own process group so it survives
// orchestrator signals and can be terminated as a unit.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM (or SIGKILL when force is set) to the worker's
// process group, falling back to the single pid when the group is gone.
func signalGroup(pid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}
