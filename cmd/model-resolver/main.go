package main

import (
	"model-resolver/cmd/model-resolver/cmd"
)

func main() {
	cmd.Execute()
}
