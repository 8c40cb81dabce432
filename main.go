package main

import (
	"ShareFM/cmd"
)

func main() {
	cmd.Execute()
}
