package main

import "binvision/cmd"

func main() {
	cmd.Execute()
}
