package main

import (
	"xorkevin.dev/bitrepair/cmd"
)

func main() {
	cmd.New().Execute()
}
