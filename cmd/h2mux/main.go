package main

import "github.com/advdv/h2mux/cmd/h2mux/cmd"

func main() {
	cmd.Execute()
}
