//go:build unix && !(darwin || dragonfly || freebsd || netbsd || openbsd)

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

var progressSignals = []os.Signal{unix.SIGUSR1}
