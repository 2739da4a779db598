package main

import (
	"os"

	"github.com/payyield/pyusd-lp/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
