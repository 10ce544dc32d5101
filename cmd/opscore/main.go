package main

import (
	"os"

	"github.com/Jgorzitza/HotDash-sub021/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
