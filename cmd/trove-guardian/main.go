package main

import "trove-guardian/internal/cli"

func main() {
	cli.Execute()
}
