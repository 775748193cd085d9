// Package main implements a mock agent binary speaking the daemon's
// newline-delimited stdin/stdout protocol. Drop it in the agent bin dir to
// exercise the full dispatch path without a GPU: it honors the control
// tokens `clear` and `exit` and answers everything else with a canned,
// optionally delayed response.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	delay := flag.Duration("delay", 0, "pause before each response line")
	lines := flag.Int("lines", 1, "response lines per request")
	banner := flag.String("banner", "mock agent ready", "line printed on startup")
	flag.Parse()

	fmt.Println(*banner)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "exit", "quit":
			fmt.Println("bye")
			return
		case "clear":
			fmt.Println("[Context cleared]")
			continue
		}

		for i := 0; i < *lines; i++ {
			if *delay > 0 {
				time.Sleep(*delay)
			}
			if *lines > 1 {
				fmt.Printf("response %d/%d to: %s\n", i+1, *lines, line)
			} else {
				fmt.Printf("acknowledged: %s\n", line)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}
