package cli

import (
	"context"
	"flag"
	"fmt"
)

func newSyncCommand() *Command {
	cmd := &Command{
		Name:        "sync",
		Description: "Run one synchronization pass",
		Flags:       flag.NewFlagSet("sync", flag.ExitOnError),
		Run:         runSync,
	}

	cmd.Flags.String("config", "config.yml", "Path to the configuration file")
	cmd.Flags.Bool("test-mode", false, "Log write operations without sending them")

	return cmd
}

func runSync(args []string) error {
	flags := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := flags.String("config", "config.yml", "Path to the configuration file")
	testMode := flags.Bool("test-mode", false, "Log write operations without sending them")

	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	p, err := newPipeline(ctx, *configPath, *testMode)
	if err != nil {
		return err
	}
	defer p.Close()

	report, err := p.engine.Run(ctx)
	if err != nil {
		return fmt.Errorf("sync run failed: %w", err)
	}

	fmt.Printf("------------------------------- Action Summary -------------------------------\n")
	for _, line := range report.Summary() {
		fmt.Printf("  %-55s: %d\n", line.Label, line.Count)
	}
	fmt.Printf("-------------------------------------------------------------------------------\n")

	if len(report.Errored) > 0 {
		return fmt.Errorf("sync finished with %d user errors", len(report.Errored))
	}
	return nil
}
