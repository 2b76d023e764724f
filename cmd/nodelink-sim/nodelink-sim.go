package main

import "github.com/skycoin/nodelink/cmd/nodelink-sim/commands"

func main() {
	commands.Execute()
}
