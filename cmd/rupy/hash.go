package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rupy-dev/rupy/pkg/deploy"
)

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file> [pass] [nonce]",
		Short: "Print the deploy hash of a bundle",
		Long: `Print the hash a deploy would send.

With only a file this is the bundle digest. A pass salts it once and a
nonce salts the result again, matching what the daemon verifies.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := deploy.DigestFile(args[0])
			if err != nil {
				return err
			}
			switch len(args) {
			case 2:
				digest = deploy.Digest([]byte(digest + args[1]))
			case 3:
				digest = deploy.Salt(digest, args[1], args[2])
			}
			fmt.Fprintln(cmd.OutOrStdout(), digest)
			return nil
		},
	}
}
