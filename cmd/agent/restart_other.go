//go:build !unix

package main

import (
	"fmt"
	"os"
	"os/exec"
)

// restart starts a new agent process and lets the caller exit.
func restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...) //nolint:noctx // the child outlives this process
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", exe, err)
	}
	return nil
}
