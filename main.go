// The main package for the ingestor executable.
package main

import (
	"github.com/noticegrid/ingestor/cmd"
)

func main() {
	cmd.Execute()
}
