package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/quickdrop/internal/endpoint"
)

func (c *cli) receiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receive <code>",
		Short: "Receive the file offered under a six-digit code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.endpointOptions()
			if err != nil {
				return err
			}
			a, err := endpoint.Receive(cmd.Context(), opts, args[0])
			if err != nil {
				return err
			}
			res, err := c.follow(cmd, a, false)
			if err != nil {
				return err
			}

			path, err := endpoint.SaveArtifact(c.cfg.OutputDir, res.Artifact, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\nblake3 %s\n", path, formatSize(res.Artifact.Size()), res.Artifact.DigestHex())
			return nil
		},
	}
}
