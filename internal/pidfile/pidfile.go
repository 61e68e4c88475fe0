// Package pidfile provides structure and helper functions to create and remove
// PID file. A PID file is usually a file used to store the process ID of a
// running process.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile is a file used to store the process ID of a running process.
type PIDFile struct {
	path string
}

func checkPIDFileAlreadyExists(path string) error {
	if pidByte, err := os.ReadFile(path); err == nil {
		pidString := strings.TrimSpace(string(pidByte))
		if pid, err := strconv.Atoi(pidString); err == nil {
			if processExists(pid) {
				return fmt.Errorf("pid file found, ensure %s is not running or delete %s", filepath.Base(os.Args[0]), path)
			}
		}
	}
	return nil
}

// New creates a PIDFile using the specified path and writes the current
// process ID into it.
func New(path string) (*PIDFile, error) {
	if err := checkPIDFileAlreadyExists(path); err != nil {
		return nil, err
	}
	file := &PIDFile{path: path}
	if err := file.Write(); err != nil {
		return nil, err
	}
	return file, nil
}

// Write writes the current process ID to the file.
func (file PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(file.path), os.FileMode(0o755)); err != nil {
		return err
	}
	return os.WriteFile(file.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Remove removes the PIDFile.
func (file PIDFile) Remove() error {
	return os.Remove(file.path)
}
