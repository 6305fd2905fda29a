package main

import (
	"context"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"

	"image-optimizer/internal/cli"
	"image-optimizer/internal/startup"
)

func main() {
	root := cli.NewRootCmd()

	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(startup.Version),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		os.Exit(1)
	}
}
