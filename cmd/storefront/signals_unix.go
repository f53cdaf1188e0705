//go:build !windows

package main

import "syscall"

func init() {
	shutdownSignals = append(shutdownSignals, syscall.SIGTERM)
}
