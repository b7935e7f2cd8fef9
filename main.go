package main

import "github.com/mediadl/mediadl/cmd"

func main() {
	cmd.Execute()
}
