package main

import "github.com/flowctl/flowctl/cmd"

func main() {
	cmd.Execute()
}
