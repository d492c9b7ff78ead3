// Package main provides the command-line interface for the TCPChat peer
// client.
//
// Usage:
//
//	tcpchat run --nick alice --server relay.example.net:9000 --share lobby=./notes.pdf
//	tcpchat describe ./notes.pdf
//	tcpchat discover --timeout 5s
//	tcpchat advertise --port 9000
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
