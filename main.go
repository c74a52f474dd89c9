package main

import "github.com/andresmejia3/meshline/cmd"

func main() {
	cmd.Execute()
}
