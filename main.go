package main

import (
	"github.com/asiofanout/asiofanout/cmd"
	"github.com/asiofanout/asiofanout/internal/recovery"
)

func main() {
	defer recovery.HandlePanic()
	cmd.Execute()
}
