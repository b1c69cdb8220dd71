package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/hpcloud/tail"
)

// tailLog follows path the way phenix/web/log.go follows its service log
// files, printing new lines as they're appended rather than polling a
// snapshot.
func tailLog(path string) error {
	t, err := tail.TailFile(path, tail.Config{Follow: true, ReOpen: true, Poll: true})
	if err != nil {
		return fmt.Errorf("apxctl: tailing %s: %w", path, err)
	}

	for line := range t.Lines {
		if line.Err != nil {
			fmt.Println(color.RedString("tail error: %v", line.Err))
			continue
		}
		fmt.Println(line.Text)
	}

	return t.Err()
}
