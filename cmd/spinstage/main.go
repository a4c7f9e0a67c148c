package main

import (
	"github.com/spinstage/spinstage/cmd/spinstage/commands"
)

func main() {
	commands.Execute()
}
