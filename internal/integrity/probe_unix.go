//go:build unix

package integrity

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var debuggerProcs = []string{"gdb", "lldb", "strace", "ltrace", "dlv", "radare2", "r2", "frida", "frida-server", "ida", "ida64", "x64dbg"}

// tracerPid returns the TracerPid from /proc/self/status, or 0.
func tracerPid() int {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		pid, _ := strconv.Atoi(fields[1])
		return pid
	}
	return 0
}

func debuggerParent() (string, bool) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", os.Getppid()))
	if err != nil {
		return "", false
	}
	name := strings.ToLower(strings.TrimSpace(string(comm)))
	for _, p := range debuggerProcs {
		if name == p {
			return name, true
		}
	}
	return "", false
}

// kernelName is the uname sysname, e.g. "Linux".
func kernelName() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Sysname[:])
}
