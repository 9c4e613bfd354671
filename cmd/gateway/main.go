package main

import "github.com/harleyk/svix-test/services/api-gateway/cli"

func main() {
	cli.Execute()
}
