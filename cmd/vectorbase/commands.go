package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szuwgh/vectorbase"
)

// maxLineSize bounds a single JSON line read by add.
const maxLineSize = 16 << 20

// document is one line of add input.
type document struct {
	Vector  []float32 `json:"vector"`
	Payload string    `json:"payload,omitempty"`
}

// result is one line of query output.
type result struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
	Payload  string  `json:"payload,omitempty"`
}

const addLongDesc string = `Add documents from JSON lines.

Each line holds one document:
  {"vector":[0,0,0,1],"payload":"anything"}

Documents are read from the given file, or from stdin when no file (or "-")
is given. The id assigned to each document is printed, one per line.`

func newAddCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add [file]",
		Short: "Add documents from JSON lines",
		Long:  addLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			return a.run(cmd, func(c *vectorbase.Collection) error {
				return addDocuments(cmd, c, in)
			})
		},
	}
}

func addDocuments(cmd *cobra.Command, c *vectorbase.Collection, in io.Reader) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var doc document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		var payload []byte
		if doc.Payload != "" {
			payload = []byte(doc.Payload)
		}

		id, err := c.Add(cmd.Context(), doc.Vector, payload)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		fmt.Fprintln(out, id)
	}
	return scanner.Err()
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		vector string
		k      int
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find the nearest documents to a vector",
		Long: `Find the k nearest documents to a vector.

Results are printed as JSON lines ordered by ascending distance.

Example:
  vectorbase query --vector 0,0,0,1 --k 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vec, err := parseVector(vector)
			if err != nil {
				return err
			}

			return a.run(cmd, func(c *vectorbase.Collection) error {
				results, err := c.Query(cmd.Context(), vec, k)
				if errors.Is(err, vectorbase.ErrEmptyIndex) {
					fmt.Fprintln(cmd.ErrOrStderr(), "No results found.")
					return nil
				}
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, r := range results {
					if err := enc.Encode(result{ID: r.ID, Distance: r.Distance, Payload: string(r.Payload)}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&vector, "vector", "v", "", "Comma-separated query vector")
	cmd.Flags().IntVarP(&k, "k", "k", 10, "Number of results to return")
	_ = cmd.MarkFlagRequired("vector")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print the payload of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return a.run(cmd, func(c *vectorbase.Collection) error {
				payload, err := c.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
				return nil
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return a.run(cmd, func(c *vectorbase.Collection) error {
				return c.Delete(cmd.Context(), id)
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print collection statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(c *vectorbase.Collection) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(c.Stats())
			})
		},
	}
}

func newFlushCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Write all memtable documents to a segment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(c *vectorbase.Collection) error {
				return c.Flush(cmd.Context())
			})
		},
	}
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid document id %q: %w", s, err)
	}
	return id, nil
}
