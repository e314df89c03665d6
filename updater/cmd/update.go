package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/nexusio/nexus/updater/internal/daemon"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "runs a single update cycle and prints what was done",
	Long: `Runs one update cycle in the foreground. The updater service should be stopped
first, both work on the same bundle and hash files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		key, err := loadSecretsKey()
		if err != nil {
			return err
		}

		if err := env.paths.Create(); err != nil {
			return err
		}

		d, err := daemon.New(daemon.Options{
			Paths:      env.paths,
			Settings:   env.settings,
			SecretsKey: key,
		}, env.entry())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		cycle, err := d.RunOnce(ctx)
		if cycle != nil {
			cmd.Printf("cycle %s\n", cycle.ID)
			if !cycle.Extracted {
				cmd.Println("no update available")
			}
			for _, r := range cycle.Results {
				if r.Err != nil {
					cmd.Printf("  %s: %s (%v)\n", r.Service, r.Action, r.Err)
					continue
				}
				cmd.Printf("  %s: %s\n", r.Service, r.Action)
			}
		}
		return err
	},
}
