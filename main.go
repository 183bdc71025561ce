// Command verifyd runs the verification orchestrator.
package main

import "github.com/JakeFAU/verifyd/cmd"

func main() {
	cmd.Execute()
}
