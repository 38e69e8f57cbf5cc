package main

import (
	"fmt"
	"os"

	"blindscan/api"
	"blindscan/cli"
)

// @title Blindscan API
// @version 1.0
// @description REST API for idle (zombie) TCP port scans.
// @BasePath /api/v1
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		if err := api.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(cli.Run(os.Args[1:]))
}
