package main

import "updown/internal/cli"

func main() {
	cli.Execute()
}
