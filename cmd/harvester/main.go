package main

import "github.com/sbn-survey/cs-harvester/cmd/harvester/cmd"

func main() {
	cmd.Execute()
}
