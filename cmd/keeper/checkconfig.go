package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/keeper/internal/config"
)

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config and print the effective values",
		Run: func(cmd *cobra.Command, args []string) {
			c, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
				os.Exit(1)
			}
			if err := config.Validate(c); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
				os.Exit(1)
			}

			// Don't echo secrets back to the terminal.
			printable := *c
			if printable.Notifications.Telegram.Token != "" {
				printable.Notifications.Telegram.Token = "(set)"
			}

			fmt.Printf("# effective config (%s)\n", configPath())
			out, err := yaml.Marshal(&printable)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			os.Stdout.Write(out)
			fmt.Println("OK")
		},
	}
}
