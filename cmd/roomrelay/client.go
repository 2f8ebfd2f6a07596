package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"roomrelay/internal/message"
	"roomrelay/internal/ops"
	"roomrelay/internal/opsapi"
)

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (g *globalFlags) client() *opsapi.Client { return opsapi.NewClient(g.api, g.token) }

func newStatsCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ops.FormatStats(st))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newCacheCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Control the resource cache"}

	cleanup := &cobra.Command{
		Use:   "cleanup <minutes>",
		Short: "Remove entries idle for at least <minutes> (0 removes all)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil || minutes < 0 {
				return fmt.Errorf("invalid minutes %q", args[0])
			}
			n, err := g.client().CleanupCache(cmd.Context(), minutes)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d cache entries\n", n)
			return err
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := g.client().ClearCache(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cache entries\n", n)
			return err
		},
	}
	toggle := func(use string, on bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: use + " the cache",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := g.client().SetCacheEnabled(cmd.Context(), on); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cache %sd\n", use)
				return err
			},
		}
	}
	cmd.AddCommand(cleanup, clearCmd, toggle("enable", true), toggle("disable", false))
	return cmd
}

func newSubmitCmd(g *globalFlags) *cobra.Command {
	var (
		file     string
		channels []string
	)
	cmd := &cobra.Command{
		Use:   "submit <room>",
		Short: "Submit a burst of messages (JSON array) for a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			msgs, err := readBurst(in)
			if err != nil {
				return err
			}
			rc, err := g.client().Submit(cmd.Context(), args[0], opsapi.SubmitRequest{Channels: channels, Messages: msgs})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "burst %s: accepted=%d duplicates=%d late=%d channels=%s\n",
				rc.BurstID, rc.Accepted, rc.Duplicates, rc.Late, strings.Join(rc.Channels, ","))
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "burst file, - for stdin")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "target channel (repeatable); defaults to the room route")
	return cmd
}

// readBurst accepts a JSON array of messages or a single message object.
func readBurst(r io.Reader) ([]message.Message, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4<<20))
	if err != nil {
		return nil, err
	}
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, fmt.Errorf("empty burst")
	}
	var msgs []message.Message
	if data[0] == '{' {
		var m message.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return []message.Message{m}, nil
	}
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode burst: %w", err)
	}
	return msgs, nil
}

func newJobsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List housekeeping jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			js, err := g.client().Jobs(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSCHEDULE\tRUNS\tLAST RUN\tNEXT\tERROR")
			for _, j := range js {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", j.Name, j.Schedule, j.Runs, fmtTime(j.LastRun), fmtTime(j.Next), j.LastErr)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().RunJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ran %s\n", args[0])
			return err
		},
	})
	return cmd
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
