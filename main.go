package main

import (
	"fmt"
	"os"

	"github.com/achilleasa/go-lightpath/cmd"
)

func main() {
	if err := cmd.NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
