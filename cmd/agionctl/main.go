package main

import "github.com/agion-ai/agion-sdk-go/cmd/agionctl/cmd"

func main() {
	cmd.Execute()
}
