// The main package for the webfetcher executable.
package main

import (
	"github.com/kekewolf/web-fetcher/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
