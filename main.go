// The main package for the harvestd executable.
package main

import (
	"github.com/harvestd/harvestd/cmd"
)

func main() {
	cmd.Execute()
}
