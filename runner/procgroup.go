package runner

import (
	"os"
	"strconv"
	"strings"
)

// groupMemoryMiB sums the virtual memory of every process in pid's process
// group, read from /proc. Processes can vanish between the directory listing
// and the stat read; such races are ignored.
func groupMemoryMiB(pid int) int64 {
	var total int64
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		p, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pgrp, vsize, ok := readStat(p)
		if ok && pgrp == pid {
			total += vsize
		}
	}
	return total / (1024 * 1024)
}

// readStat returns the process group and virtual memory size (bytes) of a
// process. The command name in /proc/<pid>/stat can contain spaces and
// parentheses, so the line is split around the last ")".
func readStat(pid int) (pgrp int, vsize int64, ok bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, 0, false
	}
	rparen := strings.LastIndexByte(string(data), ')')
	if rparen == -1 {
		return 0, 0, false
	}
	// Fields after the command: state ppid pgrp session tty tpgid flags
	// minflt cminflt majflt cmajflt utime stime cutime cstime priority nice
	// numthreads itrealvalue starttime vsize ...
	fields := strings.Fields(string(data[rparen+1:]))
	if len(fields) < 21 {
		return 0, 0, false
	}
	pgrp, err = strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, false
	}
	vsize, err = strconv.ParseInt(fields[20], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return pgrp, vsize, true
}
