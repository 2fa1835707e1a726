package main

import "github.com/jmehdipour/outreach-dispatcher/cmd"

func main() {
	cmd.Execute()
}
