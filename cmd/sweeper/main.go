package main

import "github.com/harleyk/svix-test/services/sweeper/cli"

func main() {
	cli.Execute()
}
