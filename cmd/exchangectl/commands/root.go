package commands

import (
	"errors"
	"io/fs"

	"github.com/danmuck/exchange/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "exchangectl",
		Short:         "B2B message exchange node, controller and tooling",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			logging.ConfigureRuntime()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before logging is configured")

	root.AddCommand(nodeCmd(), controllerCmd(), keyCmd(), configCmd(), adminCmd())
	return root
}
