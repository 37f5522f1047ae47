package main

import "github.com/execd/execd/cmd"

func main() {
	cmd.Execute()
}
