package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/network"
)

func runBrowse(args []string) error {
	fs := flag.NewFlagSet("browse", flag.ExitOnError)
	port := fs.Int("port", config.DefaultDiscoveryPort, "discovery port")
	timeout := fs.Duration("timeout", 2*time.Second, "how long to wait for replies")
	fs.Parse(args)

	servers, err := network.Browse(context.Background(), *port, *timeout)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("No servers found on the local network.")
		return nil
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Name", "Address", "Players", "Password", "Version"})
	tw.SetAutoWrapText(false)
	for _, s := range servers {
		pass := ""
		if s.RequiresPassword {
			pass = "yes"
		}
		tw.Append([]string{
			s.Name,
			s.Address,
			strconv.Itoa(s.Players) + "/" + strconv.Itoa(s.MaxPlayers),
			pass,
			s.Version,
		})
	}
	tw.Render()
	return nil
}
