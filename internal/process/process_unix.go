//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals every process in the group led by proc, so helpers
// spawned by a wrapper script are stopped too.
func signalGroup(proc *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		err := proc.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	// no such group: the leader and all its descendants are gone
	err := unix.Kill(-proc.Pid, s)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
