// SPDX-License-Identifier: MIT
// Unix signal handling for the orchestrator process: SIGTERM/SIGINT/
// SIGQUIT trigger graceful shutdown, SIGUSR2 asks the runner to dump
// its status, SIGHUP is ignored (scheduler/monitor tunables reload via
// the config file watcher instead).
//go:build !windows

package signal

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	shuttingDown bool
	statusDumpFn func()
)

// ShutdownFunc stops every running HTTP server and background loop; it
// is given a context carrying the graceful-shutdown deadline.
type ShutdownFunc func(ctx context.Context)

// SetStatusDumpFunc sets the function called on SIGUSR2.
func SetStatusDumpFunc(fn func()) {
	statusDumpFn = fn
}

// IsShuttingDown returns true if shutdown is in progress.
func IsShuttingDown() bool {
	return shuttingDown
}

// SetupSignalHandler registers the orchestrator's signal handlers and
// calls shutdown once a terminating signal arrives.
func SetupSignalHandler(shutdown ShutdownFunc, pidFile string) {
	sigChan := make(chan os.Signal, 1)

	signal.Notify(sigChan,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGUSR2,
	)
	// Docker STOPSIGNAL default for some base images.
	signal.Notify(sigChan, syscall.Signal(37))
	signal.Ignore(syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGUSR2:
				log.Println("received SIGUSR2, dumping status")
				if statusDumpFn != nil {
					statusDumpFn()
				}
			default:
				log.Printf("received %v, starting graceful shutdown", sig)
				gracefulShutdown(shutdown, pidFile)
			}
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func WaitForShutdown(ctx context.Context) os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	signal.Notify(quit, syscall.Signal(37))
	signal.Ignore(syscall.SIGHUP)

	select {
	case sig := <-quit:
		return sig
	case <-ctx.Done():
		return syscall.SIGTERM
	}
}

// GetStopSignal returns the appropriate stop signal for this platform.
func GetStopSignal() os.Signal {
	return syscall.SIGTERM
}

func gracefulShutdown(shutdown ShutdownFunc, pidFile string) {
	shuttingDown = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if shutdown != nil {
		shutdown(ctx)
	}

	if pidFile != "" {
		os.Remove(pidFile)
	}
	os.Exit(0)
}

// KillProcess sends a signal to pid.
func KillProcess(pid int, graceful bool) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if graceful {
		return process.Signal(syscall.SIGTERM)
	}
	return process.Signal(syscall.SIGKILL)
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// isOurProcess verifies the process is actually our binary, using exact
// basename matching to avoid a false positive from PID reuse.
func isOurProcess(pid int, binaryName string) bool {
	exePath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return isOurProcessDarwin(pid, binaryName)
	}
	return filepath.Base(exePath) == binaryName
}

func isOurProcessDarwin(pid int, binaryName string) bool {
	cmd := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == binaryName
}

// CheckPIDFile reports whether pidPath names a still-running instance
// of binaryName, cleaning up a stale or corrupt file otherwise.
func CheckPIDFile(pidPath string, binaryName string) (bool, int, error) {
	data, err := os.ReadFile(pidPath)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(pidPath)
		return false, 0, nil
	}

	if !isProcessRunning(pid) {
		os.Remove(pidPath)
		return false, 0, nil
	}

	if !isOurProcess(pid, binaryName) {
		os.Remove(pidPath)
		return false, 0, nil
	}

	return true, pid, nil
}

// WritePIDFile writes the current process PID to pidPath, refusing if
// another instance is already running.
func WritePIDFile(pidPath string, binaryName string) error {
	running, existingPID, err := CheckPIDFile(pidPath, binaryName)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("already running (pid %d)", existingPID)
	}

	pidDir := filepath.Dir(pidPath)
	perm := os.FileMode(0755)
	if os.Getuid() != 0 {
		perm = 0700
	}
	if err := os.MkdirAll(pidDir, perm); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}

	pid := os.Getpid()
	filePerm := os.FileMode(0644)
	if os.Getuid() != 0 {
		filePerm = 0600
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), filePerm)
}

// RemovePIDFile removes the PID file on shutdown.
func RemovePIDFile(pidPath string) error {
	return os.Remove(pidPath)
}
