package main

import "github.com/objrun/objrun/cmd/objrun/cmd"

func main() {
	cmd.Execute()
}
