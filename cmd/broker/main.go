package main

import "broker/cmd/broker/cmd"

func main() {
	cmd.Execute()
}
