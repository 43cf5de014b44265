package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// ticker writes a numbered line to stdout and to stderr every interval,
// forever. Write errors are ignored so that it survives a closed terminal.
func main() {
	interval := flag.Duration("interval", 20*time.Millisecond, "delay between lines")
	flag.Parse()
	for i := 0; ; i++ {
		fmt.Fprintf(os.Stdout, "tick %d\n", i)
		fmt.Fprintf(os.Stderr, "tock %d\n", i)
		time.Sleep(*interval)
	}
}
