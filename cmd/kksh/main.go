package main

import (
	"os"

	"github.com/kkshell/kksh/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
