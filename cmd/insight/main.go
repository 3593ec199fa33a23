package main

import (
	"fmt"
	"os"

	"lumen.health/insight/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "insight: %v\n", err)
		os.Exit(1)
	}
}
