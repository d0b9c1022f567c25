package main

import (
	"os"

	"github.com/axelterrier/filament-tracker-backend/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
