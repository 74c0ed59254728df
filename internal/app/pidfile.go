package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// claimPIDFile writes the current pid to pidFile unless it names another
// live process. The returned release func removes the file if it still
// holds our pid.
func claimPIDFile(pidFile string) (func(), error) {
	pidFile = strings.TrimSpace(pidFile)
	if pidFile == "" {
		return func() {}, nil
	}

	if pid, err := readPIDFile(pidFile); err == nil && pid > 0 && pid != os.Getpid() {
		if pidRunning(pid) {
			return nil, fmt.Errorf("pid file %q points to running process %d", pidFile, pid)
		}
	}

	pid := os.Getpid()
	if err := writeFileAtomic(pidFile, []byte(strconv.Itoa(pid)+"\n")); err != nil {
		return nil, err
	}

	return func() {
		cur, err := readPIDFile(pidFile)
		if err != nil {
			return
		}
		if cur == pid {
			_ = os.Remove(pidFile)
		}
	}, nil
}

func writeFileAtomic(path string, data []byte) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("empty path")
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	keepTemp = true

	return syncDir(dir)
}

func syncDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := f.Sync(); err != nil {
		if runtime.GOOS == "windows" {
			// Windows does not support fsync on directory handles.
			return nil
		}
		return err
	}
	return nil
}

func readPIDFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("pid file %q is empty", pidFile)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", pidFile, raw)
	}
	return pid, nil
}

func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombiePID(pid) {
		return false
	}
	return processExists(pid)
}

// isZombiePID reports exited-but-unreaped processes, which still answer
// signal 0 on Linux.
func isZombiePID(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The command name may contain spaces; the state follows its ')'.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return false
	}
	fields := strings.Fields(s[i+1:])
	return len(fields) > 0 && fields[0] == "Z"
}
