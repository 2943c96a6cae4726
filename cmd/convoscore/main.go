package main

import "convoscore/internal/cli"

func main() {
	cli.Execute()
}
