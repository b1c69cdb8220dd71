package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/sandia-apx/apxd/internal/apxserver"
	"github.com/sandia-apx/apxd/pkg/apxnode"
	"github.com/sandia-apx/apxd/pkg/apxroute"
)

func (c *Client) dispatch(line string) error {
	fields := strings.Fields(line)

	switch fields[0] {
	case "nodes":
		return c.printNodes()
	case "node":
		if len(fields) != 2 {
			return fmt.Errorf("usage: node <id>")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid connection id %q", fields[1])
		}
		return c.printNodePorts(id)
	case "routes":
		return c.printRoutes()
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func (c *Client) printNodes() error {
	var nodes []apxserver.ConnectionSnapshot
	if err := c.get("/nodes", &nodes); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Connection", "Node", "State", "Ports"})

	for _, n := range nodes {
		table.Append([]string{
			strconv.Itoa(n.ConnectionID),
			n.NodeName,
			stateName(n.State),
			strconv.Itoa(len(n.Ports)),
		})
	}

	table.Render()
	return nil
}

func (c *Client) printNodePorts(id int) error {
	var ports []apxserver.PortSnapshot
	if err := c.get(fmt.Sprintf("/nodes/%d/ports", id), &ports); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Direction", "Signature", "Offset", "Size"})

	for _, p := range ports {
		dir := p.Direction
		if dir == "provide" {
			dir = color.GreenString(dir)
		} else {
			dir = color.CyanString(dir)
		}

		table.Append([]string{
			p.Name,
			dir,
			p.Signature,
			strconv.Itoa(p.Offset),
			strconv.Itoa(p.DataSize),
		})
	}

	table.Render()
	return nil
}

func (c *Client) printRoutes() error {
	var entries []apxroute.EntrySnapshot
	if err := c.get("/routes", &entries); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Signature", "Providers", "Requirers"})

	for _, e := range entries {
		table.Append([]string{
			e.Signature,
			strconv.Itoa(len(e.Provides)),
			strconv.Itoa(len(e.Requires)),
		})
	}

	table.Render()
	return nil
}

func stateName(s apxnode.State) string {
	switch s {
	case apxnode.StatePending:
		return "pending"
	case apxnode.StateReady:
		return "ready"
	case apxnode.StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
