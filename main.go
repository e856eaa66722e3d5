package main

import "whisper-swarm/cmd"

func main() {
	cmd.Execute()
}
