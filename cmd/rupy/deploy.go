package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rupy-dev/rupy/pkg/deploy"
)

func deployCmd() *cobra.Command {
	var cluster bool

	cmd := &cobra.Command{
		Use:   "deploy <url> <file|dir> <pass>",
		Short: "Deploy a bundle to a running daemon",
		Long: `Deploy a bundle to a running daemon.

A directory is packed into <name>.zip first. The daemon's progress is
streamed to stdout.

Examples:
  rupy deploy http://localhost:8000 app.zip secret
  rupy deploy http://host.example.com:8000 ./site secret --cluster`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, file, pass := args[0], args[1], args[2]

			info, err := os.Stat(file)
			if err != nil {
				return err
			}
			if info.IsDir() {
				packed, cleanup, err := packTemp(file)
				if err != nil {
					return err
				}
				defer cleanup()
				file = packed
			}

			if err := deploy.NewClient(url).Deploy(cmd.Context(), file, pass, cluster, cmd.OutOrStdout()); err != nil {
				return err
			}
			success("Deployed %s", filepath.Base(file))
			return nil
		},
	}

	cmd.Flags().BoolVar(&cluster, "cluster", false, "propagate the bundle to the whole cluster")

	return cmd
}

// packTemp zips dir into a temporary <base>.zip so the daemon sees the
// bundle under the directory's name.
func packTemp(dir string) (string, func(), error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, err
	}
	tmp, err := os.MkdirTemp("", "rupy-deploy-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(tmp) }

	name := strings.TrimSuffix(filepath.Base(abs), ".zip") + ".zip"
	out := filepath.Join(tmp, name)
	n, err := deploy.Pack(abs, out)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if n == 0 {
		cleanup()
		return "", nil, fmt.Errorf("deploy: %s is empty", dir)
	}
	return out, cleanup, nil
}
