package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

func cmdStart(profileName, socketPath string) {
	if probeDaemon(socketPath) {
		fmt.Printf("daemon already running for profile %q\n", profileName)
		return
	}
	fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", profileName)
	if err := startDaemon(profileName); err != nil {
		fatalf("failed to start daemon: %v", err)
	}
	if !waitForDaemon(socketPath, 10*time.Second) {
		fatalf("daemon did not become ready")
	}
	fmt.Println("daemon started")
}

func startDaemon(profileName string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	daemonPath := filepath.Join(filepath.Dir(executable), "chatsyncd")
	if _, err := os.Stat(daemonPath); err != nil {
		daemonPath = "chatsyncd"
	}

	cmd := exec.Command(daemonPath, "--profile", profileName)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real gRPC health check, not just a socket connect.
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
