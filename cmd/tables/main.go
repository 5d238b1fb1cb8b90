package main

import "github.com/treeverse/tables/cmd/tables/cmd"

func main() {
	cmd.Execute()
}
