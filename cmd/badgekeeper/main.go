package main

import (
	"os"

	"github.com/solatis/badgekeeper/cmd/badgekeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
