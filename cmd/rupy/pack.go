package main

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rupy-dev/rupy/pkg/deploy"
)

func packCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pack <dir> [out.zip]",
		Short: "Pack a directory into a bundle",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			out := strings.TrimSuffix(filepath.Clean(dir), string(filepath.Separator)) + ".zip"
			if len(args) == 2 {
				out = args[1]
			}
			n, err := deploy.Pack(dir, out)
			if err != nil {
				return err
			}
			success("Packed %d files into %s", n, out)
			return nil
		},
	}
}
