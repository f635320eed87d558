package main

import "github.com/nextlevelbuilder/omnihub/cmd"

func main() {
	cmd.Execute()
}
