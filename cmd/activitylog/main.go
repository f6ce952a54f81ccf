package main

import (
	"os"

	"example.com/activitylog/cmd"
)

func main() {
	if err := cmd.New().Execute(); err != nil {
		os.Exit(1)
	}
}
