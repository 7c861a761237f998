package main

import (
	"fmt"
	"os"

	"grimm.is/wallclock/cmd"
)

func main() {
	if err := cmd.App().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
