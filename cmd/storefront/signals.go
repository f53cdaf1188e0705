package main

import "os"

// shutdownSignals trigger graceful shutdown. SIGTERM is added on unix in
// signals_unix.go.
var shutdownSignals = []os.Signal{os.Interrupt}
