package main

import "psilo/cmd/psilo/cmd"

func main() {
	cmd.Execute()
}
