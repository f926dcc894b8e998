package main

import "shellrelay/cmd"

func main() {
	cmd.Execute()
}
