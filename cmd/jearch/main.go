package main

import (
	"fmt"
	"os"

	"github.com/romu70/jearch/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "jearch: %v\n", err)
		os.Exit(1)
	}
}
