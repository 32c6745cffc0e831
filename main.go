// The main package for the crawl-worker executable.
package main

import (
	"github.com/JakeFAU/crawl-worker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
