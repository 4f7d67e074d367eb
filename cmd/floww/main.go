// Command floww runs the trigger dispatch service: HTTP ingress, the
// durable scheduler, and the background runtime reaper, sharing one
// Postgres-backed state.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
