package cmd

import (
	"fmt"

	"github.com/pinpt/agent.billing/internal/catalog"
	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/go-common/v10/log"
	"github.com/spf13/cobra"
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "print the resolved stream catalog as JSON",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.NewCommandLogger(cmd)
		defer logger.Close()
		config, err := loadConfig(cmd)
		if err != nil {
			log.Fatal(logger, "unable to load config", "err", err)
		}
		if err := config.Validate(); err != nil {
			log.Fatal(logger, "invalid config", "err", err)
		}
		client, err := resolveClient(logger, config)
		if err != nil {
			log.Fatal(logger, "unable to resolve api host", "err", err)
		}
		streams, err := catalog.New(logger, client, config).Streams()
		if err != nil {
			log.Fatal(logger, "unable to discover streams", "err", err)
		}
		fmt.Println(pjson.Stringify(streams, true))
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().String("config", "config.json", "path to the config file")
}
