package main

import (
	"fmt"
	"os"

	"github.com/arete-app/arete/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "arete: %v\n", err)
		os.Exit(1)
	}
}
