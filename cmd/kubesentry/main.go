package main

import (
	"os"

	"github.com/wwwzy/KubeSentry/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
