// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/absmach/rctproxy/examples/client"
	"github.com/absmach/rctproxy/pkg/frame"
	"github.com/spf13/cobra"
)

func readCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "read ID...",
		Short: "Read objects through a running proxy",
		Long: `Send a read request for every object id and print the response payloads.

Examples:
  rctproxy read a59c8428
  rctproxy read --addr=192.168.0.5:8898 0xA59C8428 400F015B`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]frame.ID, 0, len(args))
			for _, arg := range args {
				id, err := frame.ParseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return runRead(cmd.Context(), cmd.OutOrStdout(), addr, timeout, ids)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8898", "Proxy address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Timeout for each read")

	return cmd
}

func runRead(ctx context.Context, out io.Writer, addr string, timeout time.Duration, ids []frame.ID) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	c, err := client.Dial(dialCtx, addr, logger)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	for _, id := range ids {
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		f, err := c.Read(readCtx, id)
		cancel()
		if err != nil {
			return fmt.Errorf("read %s: %w", id, err)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", id, f.Command, frame.Hex(f.Payload))
	}
	return nil
}
