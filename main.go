package main

import "scrapeq/cmd"

func main() {
	cmd.Run()
}
