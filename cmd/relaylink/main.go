package main

import (
	"os"

	"github.com/relaylink/relaylink/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
