package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/platinummonkey/signsync/pkg/config"
	"github.com/platinummonkey/signsync/pkg/observability"
)

func newValidateCommand() *Command {
	cmd := &Command{
		Name:        "validate",
		Description: "Validate the configuration file",
		Flags:       flag.NewFlagSet("validate", flag.ExitOnError),
		Run:         runValidate,
	}

	cmd.Flags.String("config", "config.yml", "Path to the configuration file")

	return cmd
}

func runValidate(args []string) error {
	flags := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := flags.String("config", "config.yml", "Path to the configuration file")

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// exercise the mapping builders too; they catch errors Validate cannot,
	// like admin groups that reference unknown orgs
	quiet := observability.NewConsoleLogger(observability.ErrorLevel, io.Discard)
	if _, err := cfg.MappingTable(quiet); err != nil {
		return fmt.Errorf("invalid group mappings: %w", err)
	}
	if _, err := cfg.EngineOptions(false); err != nil {
		return err
	}

	fmt.Printf("%s is valid: %d sign org(s), %d group mapping(s)\n", *configPath, len(cfg.SignOrgs), len(cfg.UserManagement))
	return nil
}
