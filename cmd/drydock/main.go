package main

import "github.com/drydock-dev/drydock/internal/cmd"

func main() {
	cmd.Execute()
}
