package main

import (
	"os"

	"github.com/offlinefirst/keyboard-monitor/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:]))
}
