package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/forgepm/forge/internal/diagnostic"
)

// statusCommand re-displays a previously persisted future-incompatibility
// report (§4.9): it reads the JSON file for a session id from
// target/future-incompat (the layout diagnostic.Aggregator writes) rather
// than re-running anything. forge build does not itself write reports
// there.
type statusCommand struct {
	session string
}

func (c *statusCommand) Name() string      { return "status" }
func (c *statusCommand) Args() string      { return "-session ID" }
func (c *statusCommand) ShortHelp() string { return "re-display a persisted future-incompatibility report" }
func (c *statusCommand) LongHelp() string {
	return "status loads the future-incompatibility report stored under\n" +
		"target/future-incompat for -session and prints its findings, without\n" +
		"rebuilding anything. forge build does not write these reports."
}

func (c *statusCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.session, "session", "", "session id to report on")
}

func (c *statusCommand) Run(ctx context.Context, ch *diagnostic.Channel, workDir string, args []string) error {
	if c.session == "" {
		return errors.New("status: -session is required")
	}
	dir := filepath.Join(workDir, "target", "future-incompat")
	rep, ok := diagnostic.LoadReport(dir, c.session)
	if !ok {
		ch.Infof("no future-incompatibility report for session %s", c.session)
		return nil
	}
	if len(rep.Findings) == 0 {
		ch.Infof("session %s: no future-incompatibility findings", c.session)
		return nil
	}
	for _, f := range rep.Findings {
		fmt.Printf("%s: [%s] %s\n", f.Package, f.Lint, f.Message)
	}
	return nil
}
