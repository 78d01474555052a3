// The main package for the bmie executable.
package main

import (
	"github.com/JakeFAU/bmie/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
