//go:build unix

package capture

import (
	"os/exec"
	"syscall"
)

// detach 讓擷取程序在新 session 中執行，排程器結束時不會收到同一組訊號
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
