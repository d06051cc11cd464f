//go:build linux

package ptrace

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// readProcComm read /proc/pid/comm or /proc/pid/stat to load the command line of process.
func readProcComm(pid int) (string, error) {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}

	if len(comm) == 0 {
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			return "", fmt.Errorf("could not read proc stat: %v", err)
		}
		expr := fmt.Sprintf("%d\\s*\\((.*)\\)", pid)
		rexp, err := regexp.Compile(expr)
		if err != nil {
			return "", fmt.Errorf("regexp compile error: %v", err)
		}
		match := rexp.FindSubmatch(stat)
		if match == nil {
			return "", fmt.Errorf("no match found using regexp '%s' in /proc/%d/stat", expr, pid)
		}
		comm = match[1]
	}
	return string(comm), nil
}

// readProcCommArgs read /proc/pid/cmdline to load the command arguments of process
func readProcCommArgs(pid int) ([]string, error) {
	dat, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, err
	}
	dat = bytes.TrimSuffix(dat, []byte{0})
	args := strings.Split(string(dat), string([]byte{0}))
	if len(args) == 0 {
		return nil, nil
	}
	return args[1:], nil
}

// threadName reads the comm of one task.
func threadName(pid, tid int) string {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", pid, tid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(comm))
}

// loadThreadList lists the tasks of pid, the thread group leader first.
func loadThreadList(pid int) ([]int, error) {
	paths, err := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(paths))
	for _, p := range paths {
		tid, err := strconv.Atoi(filepath.Base(p))
		if err != nil {
			return nil, err
		}
		tids = append(tids, tid)
	}
	sortThreads(pid, tids)
	return tids, nil
}

func sortThreads(pid int, tids []int) {
	sort.Slice(tids, func(i, j int) bool {
		if tids[i] == pid || tids[j] == pid {
			return tids[i] == pid
		}
		return tids[i] < tids[j]
	})
}

// procStatus returns the state letter of /proc/pid/stat.
func procStatus(pid int) rune {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// the comm field may hold spaces and parens, the state follows the last ')'
	idx := bytes.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return 0
	}
	return rune(stat[idx+2])
}

// Process statuses
const (
	statusSleeping  = 'S'
	statusRunning   = 'R'
	statusTraceStop = 't'
	statusZombie    = 'Z'
)

// loadBias returns where the executable of pid was mapped, used to relocate
// the symbols of a position independent executable.
func loadBias(pid int) (uint64, error) {
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return 0, err
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// 55d0c9a00000-55d0c9a02000 r--p 00000000 08:01 1234 /usr/bin/prog
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 || fields[5] != exe || fields[2] != "00000000" {
			continue
		}
		start, _, _ := strings.Cut(fields[0], "-")
		return strconv.ParseUint(start, 16, 64)
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no mapping of %s in /proc/%d/maps", exe, pid)
}
