// Command procwatch polls legal process tracking pages and records changes.
package main

import "github.com/rafaelwaynne/procwatch/cmd"

func main() {
	cmd.Execute()
}
