package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/labtrack/labtrack/internal/platform/accession"
	"github.com/labtrack/labtrack/internal/platform/apperr"
)

func accessionCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accession",
		Short: "Encode and decode specimen accession IDs",
	}

	specimenIDs := func(cmd *cobra.Command) (*accession.FPEGenerator, func(), error) {
		a, closeApp, err := c.open(cmd.Context())
		if err != nil {
			return nil, nil, err
		}
		if a.specimenIDs == nil {
			closeApp()
			return nil, nil, fmt.Errorf("%w: specimen IDs are random; encode and decode need the fpe strategy", apperr.ErrConfiguration)
		}
		return a.specimenIDs, closeApp, nil
	}

	generateCmd := &cobra.Command{
		Use:   "generate KEY...",
		Short: "Print the accession ID of each record key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, closeApp, err := specimenIDs(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			for _, arg := range args {
				key, err := strconv.ParseUint(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("%w: key %q is not a non-negative integer", apperr.ErrValidation, arg)
				}
				id, err := g.Encode(key)
				if err != nil {
					return err
				}
				if c.verbose {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", key, id)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
			}
			return nil
		},
	}

	decodeCmd := &cobra.Command{
		Use:   "decode ID...",
		Short: "Print the record key each accession ID was generated from",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, closeApp, err := specimenIDs(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			for _, id := range args {
				key, err := g.Decode(id)
				if err != nil {
					return err
				}
				if c.verbose {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", id, key)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), key)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(generateCmd, decodeCmd)
	return cmd
}
