package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szuwgh/vectorbase"
)

const rootLongDesc string = `vectorbase is an embedded vector collection with approximate
nearest-neighbor search.

Every command opens the collection in --dir, runs and closes it again.
Settings are read from flags, VECTORBASE_* environment variables and an
optional vectorbase.toml or vectorbase.yaml file.

Example:
  vectorbase --dir ./data --dimension 4 add docs.jsonl
  vectorbase --dir ./data --dimension 4 query --vector 0,0,0,1 --k 5
  vectorbase --dir ./data --dimension 4 stats`

const rootShortDesc string = "vectorbase - embedded vector collection"

// app opens the configured collection for a command.
type app struct {
	cfg    *config
	logger *vectorbase.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "vectorbase",
		Short:         rootShortDesc,
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().String("dir", "", "Collection directory")
	cmd.PersistentFlags().String("config", "", "Config file (default vectorbase.{toml,yaml} in . or --dir)")
	cmd.PersistentFlags().Int("dimension", 0, "Vector dimension")
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")

	cmd.AddCommand(
		newAddCmd(a),
		newQueryCmd(a),
		newGetCmd(a),
		newDeleteCmd(a),
		newStatsCmd(a),
		newFlushCmd(a),
	)
	return cmd
}

// run opens the collection, hands it to fn and closes it again.
func (a *app) run(cmd *cobra.Command, fn func(c *vectorbase.Collection) error) (err error) {
	v, err := initViper(cmd)
	if err != nil {
		return err
	}
	a.cfg, err = loadConfig(v)
	if err != nil {
		return err
	}

	a.logger = newLogger(a.cfg.Debug)
	opts, err := a.cfg.options(a.logger)
	if err != nil {
		return err
	}

	c, err := vectorbase.Open(a.cfg.Dir, vectorbase.Schema{Name: a.cfg.Name, Dimension: a.cfg.Dimension}, opts...)
	if err != nil {
		return fmt.Errorf("opening collection %s: %w", a.cfg.Dir, err)
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing collection: %w", cerr)
		}
	}()

	return fn(c)
}
