package main

import "github.com/kozaktomas/idverify/cmd"

func main() {
	cmd.Execute()
}
