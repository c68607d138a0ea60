// almctl inspects, verifies and collects agent lifecycle event streams.
package main

import "github.com/r3fresh-alm/r3fresh/internal/cli"

func main() {
	cli.Execute()
}
