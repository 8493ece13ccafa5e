package main

import "github.com/BradenHooton/bastion/cmd/authctl/cmd"

func main() {
	cmd.Execute()
}
