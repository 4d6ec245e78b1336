package main

import (
	"os"

	"matrixgo/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
