// Command pparts manages a prime partition store: it computes new primes,
// ingests run files into blocks, audits and repairs the store.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(GetExitCode(err))
	}
}
