package main

import "github.com/policyshield/policyshield/cmd/policyshield/cmd"

func main() {
	cmd.Execute()
}
