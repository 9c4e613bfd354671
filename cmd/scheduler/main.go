package main

import "github.com/harleyk/svix-test/services/scheduler/cli"

func main() {
	cli.Execute()
}
