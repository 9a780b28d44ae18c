package main

import (
	"fmt"
	"os"

	"github.com/amirimatin/go-mockhub/pkg/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mockhub:", err)
		os.Exit(1)
	}
}
