package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"

	"github.com/platinummonkey/signsync/pkg/config"
	"github.com/platinummonkey/signsync/pkg/sign"
)

func newStatusCommand() *Command {
	cmd := &Command{
		Name:        "status",
		Description: "Show the cached user snapshot from the last sync",
		Flags:       flag.NewFlagSet("status", flag.ExitOnError),
		Run:         runStatus,
	}

	cmd.Flags.String("config", "config.yml", "Path to the configuration file")

	return cmd
}

func runStatus(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := flags.String("config", "config.yml", "Path to the configuration file")

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	cache, err := newCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	orgs := make([]string, 0, len(cfg.SignOrgs))
	for name := range cfg.SignOrgs {
		orgs = append(orgs, name)
	}
	sort.Strings(orgs)

	for _, org := range orgs {
		users, takenAt, err := cache.Snapshot(ctx, org)
		if errors.Is(err, sign.ErrNoSnapshot) {
			fmt.Printf("%s: no snapshot (never synced)\n", org)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot for org %q: %w", org, err)
		}

		active := 0
		admins := 0
		for _, u := range users {
			if u.Status == sign.StatusActive {
				active++
			}
			if u.IsAccountAdmin {
				admins++
			}
		}
		fmt.Printf("%s: %d users (%d active, %d account admins), taken %s\n",
			org, len(users), active, admins, takenAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}
