package main

import (
	"github.com/ColonelBlimp/cwqsotrainer/cmd"
	"github.com/ColonelBlimp/cwqsotrainer/internal/recovery"
)

func main() {
	defer recovery.HandlePanic()
	cmd.Execute()
}
