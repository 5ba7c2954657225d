package main

import "github.com/example/faceverify/cmd"

func main() {
	cmd.Execute()
}
