// skeinstream is the developer CLI for the Skein agent-event stream: watch a
// live analysis session, replay a recorded one, or run the simulator backend.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
