package terminal

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// hasDescendants reports whether the process has any live children.
// On Linux this walks /proc; elsewhere it shells out to pgrep.
func hasDescendants(pid int) bool {
	if runtime.GOOS == "linux" {
		if found, ok := procHasChildren(pid); ok {
			return found
		}
	}
	return pgrepHasChildren(pid)
}

// procHasChildren reads the children lists the kernel keeps per task.
// The second return is false when /proc is unavailable.
func procHasChildren(pid int) (bool, bool) {
	taskDir := filepath.Join("/proc", strconv.Itoa(pid), "task")
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		return false, false
	}

	for _, task := range tasks {
		childrenPath := filepath.Join(taskDir, task.Name(), "children")
		raw, err := os.ReadFile(childrenPath)
		if err != nil {
			continue
		}
		if len(strings.Fields(string(raw))) > 0 {
			return true, true
		}
	}
	return false, true
}

// pgrepHasChildren is the portable fallback. pgrep exits non-zero when
// no process matches, which we treat as "no children".
func pgrepHasChildren(pid int) bool {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(out))) > 0
}
