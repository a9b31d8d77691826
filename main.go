package main

import (
	"os"

	"github.com/rvm-project/rvm/cmd/rvm"
)

func main() {
	if err := rvm.Execute(); err != nil {
		os.Exit(1)
	}
}
