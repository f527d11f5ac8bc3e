// Command rendezd runs a standalone rendez daemon.
//
// Workers of a distributed job point their stores at this process to
// discover each other and exchange coordination values. The daemon keeps
// everything in memory; state does not survive a restart.
//
// Configuration:
//   - RENDEZD_LISTEN: listen address (default ":29500")
//
// Example usage:
//
//	RENDEZD_LISTEN=:29500 ./rendezd
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dreamware/rendez/internal/daemon"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	addr := getenv("RENDEZD_LISTEN", ":29500")

	d, err := daemon.New(addr)
	if err != nil {
		logFatal("listen: %v", err)
		return
	}
	log.Printf("rendezd listening on %s", d.Addr())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	d.Stop()
	log.Println("rendezd stopped")
}

// getenv returns the value of key or def when unset.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
