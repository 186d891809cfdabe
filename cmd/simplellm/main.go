package main

import (
	"os"

	"SimpleLLM/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
