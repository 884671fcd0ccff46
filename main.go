package main

import (
	"github.com/solvernet/multirpc/command/root"
)

func main() {
	root.NewRootCommand().Execute()
}
