// SPDX-License-Identifier: MIT
// Windows signal handling for the orchestrator process. Windows only
// supports os.Interrupt (Ctrl+C/Ctrl+Break); service control would use
// golang.org/x/sys/windows/svc, not wired here.
//go:build windows

package signal

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var shuttingDown bool

// ShutdownFunc stops every running HTTP server and background loop; it
// is given a context carrying the graceful-shutdown deadline.
type ShutdownFunc func(ctx context.Context)

// SetStatusDumpFunc is a no-op on Windows; there is no SIGUSR2
// equivalent without a service-control extension.
func SetStatusDumpFunc(fn func()) {}

// IsShuttingDown returns true if shutdown is in progress.
func IsShuttingDown() bool {
	return shuttingDown
}

// SetupSignalHandler registers the orchestrator's signal handler and
// calls shutdown on Ctrl+C/Ctrl+Break.
func SetupSignalHandler(shutdown ShutdownFunc, pidFile string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		for sig := range sigChan {
			log.Printf("received %v, starting graceful shutdown", sig)
			gracefulShutdown(shutdown, pidFile)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func WaitForShutdown(ctx context.Context) os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)

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

// KillProcess terminates pid; Windows has no graceful signal so
// graceful is accepted for interface parity but ignored.
func KillProcess(pid int, graceful bool) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// isOurProcess does a best-effort existence check; full verification
// would require QueryFullProcessImageName via windows-specific imports.
func isOurProcess(pid int, binaryName string) bool {
	handle, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(handle)
	return true
}

// CheckPIDFile reports whether pidPath names a still-running instance,
// cleaning up a stale or corrupt file otherwise.
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
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}

	pid := os.Getpid()
	return os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0644)
}

// RemovePIDFile removes the PID file on shutdown.
func RemovePIDFile(pidPath string) error {
	return os.Remove(pidPath)
}
