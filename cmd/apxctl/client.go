package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/peterh/liner"
)

// Client issues introspection queries against a running apxd's
// internal/apxinspect HTTP API.
type Client struct {
	base string
	http http.Client
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s: %s", path, resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Attach runs the interactive command line, grounded on
// pkg/miniclient.Conn.Attach's liner setup (ctrl-c aborts the current line
// rather than killing the process, tab completion, persistent history).
func (c *Client) Attach() {
	fmt.Println("apxctl: connected to", c.base)
	fmt.Println("commands: nodes, node <id>, routes, quit")
	fmt.Println()

	input := liner.NewLiner()
	defer input.Close()

	input.SetCtrlCAborts(true)
	input.SetTabCompletionStyle(liner.TabPrints)
	input.SetCompleter(func(line string) []string {
		var matches []string
		for _, cmd := range []string{"nodes", "node", "routes", "quit"} {
			if strings.HasPrefix(cmd, line) {
				matches = append(matches, cmd)
			}
		}
		return matches
	})

	for {
		line, err := input.Prompt("apxctl> ")
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		if line == "quit" || line == "exit" {
			break
		}

		if err := c.dispatch(line); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
