package main

import "kis-daytrader/internal/cli"

func main() {
	cli.Execute()
}
