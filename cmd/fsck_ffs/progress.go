package main

import (
	"fmt"
	"os"
	"os/signal"

	ffs "github.com/pilat/go-ffs"
)

// watchProgress prints where chk is whenever a progress signal arrives.
// The returned func stops watching.
func watchProgress(chk *ffs.Checker, path string) func() {
	if len(progressSignals) == 0 {
		return func() {}
	}
	sig := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sig, progressSignals...)
	go func() {
		for {
			select {
			case <-sig:
				fmt.Fprintf(os.Stderr, "%s: %s\n", path, chk.Progress())
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
