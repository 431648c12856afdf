package main

import (
	"fmt"
	"os"

	ceremonycli "github.com/drand/ceremony/cmd/ceremony-cli"
)

func main() {
	app := ceremonycli.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}
