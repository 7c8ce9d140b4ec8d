package main

import (
	"github.com/joho/godotenv"
	"github.com/pinpt/agent.billing/cmd"
)

// these values go from the go build, do not change them
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// local overrides for development, absence is fine
	godotenv.Load()
	cmd.Execute(version, commit, date)
}
