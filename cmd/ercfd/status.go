// Status command: queries a running daemon
//
// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smumriak/ERCF-Software-V3/pkg/ercf"
	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
)

func newStatusCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running feeder daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := flagListen
			if strings.HasPrefix(addr, ":") {
				addr = "localhost" + addr
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/status")
			if err != nil {
				return errors.Wrap(err, errors.ErrRuntime, "is the daemon running?")
			}
			defer resp.Body.Close()

			var st ercf.Status
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return err
			}
			if raw {
				out, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Println(st.Filament)
			fmt.Printf("Enabled: %v  Homed: %v  Locked: %v\n", st.Enabled, st.Homed, st.Locked)
			fmt.Printf("Action: %s  Latch: %s\n", st.ActionName, st.Latch)
			if st.LastToolchange != "" {
				fmt.Printf("Last tool change: %s\n", st.LastToolchange)
			}
			for t, g := range st.ToolToGate {
				marker := " "
				if t == st.Tool {
					marker = "*"
				}
				line := fmt.Sprintf("%s T%d -> Gate #%d (%s", marker, t, g, st.GateStatus[g])
				if st.GateMaterial[g] != "" {
					line += ", " + st.GateMaterial[g]
				}
				line += ")"
				if st.EndlessSpool {
					line += fmt.Sprintf(" [group %d]", st.EndlessGroups[g])
				}
				fmt.Println(line)
			}
			fmt.Printf("Clog detection: %s  EndlessSpool: %v\n", st.Clog, st.EndlessSpool)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON snapshot")
	return cmd
}
