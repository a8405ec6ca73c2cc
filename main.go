package main

import "github.com/renjaku/hashike/cli"

func main() {
	cli.Launch()
}
