package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nexusio/nexus/updater/internal/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage values of the region secret store",
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt <value>",
	Short: "encrypts a value for the secret store or the proxy config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := loadSecretsKey()
		if err != nil {
			return err
		}

		sealed, err := secrets.Encrypt(key, args[0])
		if err != nil {
			return err
		}
		cmd.Println(sealed)
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretEncryptCmd)
}
