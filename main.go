// pdfqueue/main.go
package main

import (
	"os"

	"pdfqueue/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
