package main

import (
	"os"

	"github.com/craigderington/lazysocks/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
