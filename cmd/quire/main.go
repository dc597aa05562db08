package main

import "github.com/jmcleod/quire/cmd/quire/cmd"

func main() {
	cmd.Execute()
}
