// Package main provides arenactl, an operator CLI that joins a running game
// server as a peer to send commands, issue requests, and watch traffic.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("error: ")+err.Error())
		os.Exit(1)
	}
}
