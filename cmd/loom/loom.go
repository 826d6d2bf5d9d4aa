package main

import (
	"os"

	"github.com/mlweave/loom/cmd/loom/app"
)

func main() {
	if err := app.NewLoomCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
