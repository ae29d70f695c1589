package main

import (
	"fmt"
	"os"

	"github.com/zjy-dev/vmcov/cmd/vmcov/app"
)

func main() {
	if err := app.NewVmcovCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
