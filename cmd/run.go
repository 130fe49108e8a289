package cmd

import (
	"errors"
	"fmt"
	"github.com/LycanLD/SpamuBot/spamubot"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and the control panel",
		Long: "Starts the discord bot, the web control panel and the JSON API.\n\n" +
			"When a restart is requested from the panel or the API, the process " +
			"exits with restart_exit_code (default 3) so a supervisor can start " +
			"it again.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bot, err := spamubot.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}

			err = bot.Run(ctx)
			if errors.Is(err, spamubot.ErrRestartRequested) {
				log.Printf("restart requested, exiting with code %d", cfg.RestartExitCode)
				return err
			}
			if err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
