//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(_ *exec.Cmd) {}

// windows can't deliver an interrupt to another console process,
// every signal ends the process
func signalGroup(proc *os.Process, _ os.Signal) error {
	err := proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
