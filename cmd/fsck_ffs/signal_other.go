//go:build !unix

package main

import "os"

var progressSignals []os.Signal
