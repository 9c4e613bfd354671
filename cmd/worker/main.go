package main

import "github.com/harleyk/svix-test/services/worker/cli"

func main() {
	cli.Execute()
}
