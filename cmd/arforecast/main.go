package main

import "ar-forecast/internal/cli"

func main() {
	cli.Execute()
}
