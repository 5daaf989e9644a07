package main

import "github.com/CosmoTheDev/ctrlprune/cmd"

func main() {
	cmd.Execute()
}
