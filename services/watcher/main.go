package main

import (
	"os"

	"github.com/padorange/hubeau/services/watcher/cli"
)

func main() {
	os.Exit(cli.Execute())
}
