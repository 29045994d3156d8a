// Command unbase is a small interactive shell over an embedded unbase
// store, in the spirit of the FeatureBase CLI's readline-driven prompt
// loop and chotki's repl package.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
