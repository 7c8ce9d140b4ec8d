package cmd

import (
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/pinpt/agent.billing/sdk"
	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/go-common/v10/log"
	"github.com/spf13/cobra"
)

type configureAnswers struct {
	Username  string `survey:"username"`
	Password  string `survey:"password"`
	StartDate string `survey:"start_date"`
	APIType   string `survey:"api_type"`
	PartnerID string `survey:"partner_id"`
	Sandbox   bool   `survey:"sandbox"`
	European  bool   `survey:"european"`
}

func configureQuestions() []*survey.Question {
	return []*survey.Question{
		{
			Name: "username",
			Prompt: &survey.Input{
				Message: "API username:",
			},
			Validate: survey.Required,
		},
		{
			Name: "password",
			Prompt: &survey.Password{
				Message: "API password:",
			},
			Validate: survey.Required,
		},
		{
			Name: "start_date",
			Prompt: &survey.Input{
				Message: "Start date (ISO-8601, e.g. 2020-01-01T00:00:00Z):",
				Help:    "Records updated before this date are never extracted",
			},
			Validate: func(val interface{}) error {
				if _, err := sdk.ParseDate(val.(string)); err != nil {
					return fmt.Errorf("not a valid ISO-8601 date: %v", err)
				}
				return nil
			},
		},
		{
			Name: "api_type",
			Prompt: &survey.Select{
				Message: "Extraction strategy:",
				Options: []string{"bulk", "rest"},
				Default: "bulk",
			},
		},
		{
			Name: "partner_id",
			Prompt: &survey.Input{
				Message: "Partner id (required for bulk):",
			},
		},
		{
			Name: "sandbox",
			Prompt: &survey.Confirm{
				Message: "Is this a sandbox account?",
			},
		},
		{
			Name: "european",
			Prompt: &survey.Confirm{
				Message: "Is this account hosted in the EU?",
			},
		},
	}
}

// configureCmd represents the configure command
var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "interactively create a config file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.NewCommandLogger(cmd)
		defer logger.Close()
		var answers configureAnswers
		if err := survey.Ask(configureQuestions(), &answers); err != nil {
			log.Fatal(logger, "error collecting answers", "err", err)
		}
		kv := map[string]interface{}{
			sdk.ConfigUsername:  answers.Username,
			sdk.ConfigPassword:  answers.Password,
			sdk.ConfigStartDate: answers.StartDate,
			sdk.ConfigAPIType:   strings.ToUpper(answers.APIType),
		}
		if answers.PartnerID != "" {
			kv[sdk.ConfigPartnerID] = answers.PartnerID
		}
		if answers.Sandbox {
			kv[sdk.ConfigSandbox] = true
		}
		if answers.European {
			kv[sdk.ConfigEuropean] = true
		}
		config := sdk.NewConfig(kv)
		if err := config.Validate(); err != nil {
			log.Fatal(logger, "configuration is incomplete", "err", err)
		}
		fn, _ := cmd.Flags().GetString("config")
		if err := ioutil.WriteFile(fn, []byte(pjson.Stringify(kv, true)), 0600); err != nil {
			log.Fatal(logger, "error writing config file", "file", fn, "err", err)
		}
		fmt.Println(color.GreenString("wrote %s", fn))
	},
}

func init() {
	rootCmd.AddCommand(configureCmd)
	configureCmd.Flags().String("config", "config.json", "path of the config file to write")
}
