package main

import (
	"os"

	"github.com/Sepzie/SingWithMe/cmd/singwithme/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
