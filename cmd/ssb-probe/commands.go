package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	gatewaybridge "github.com/opengovern/gateway-bridge"
	"github.com/opengovern/gateway-bridge/adapters"
	"github.com/opengovern/gateway-bridge/internal/config"
)

var errUsage = errors.New("usage")

type rootFlags struct {
	configPath string
	debug      bool
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "ssb-probe",
		Short:         "Probe a streaming-SQL service behind a gateway",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to YAML config (environment only when empty)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "log every attempt to stderr")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", time.Minute, "overall deadline for the command")

	root.AddCommand(
		checkTokenCmd(flags),
		callCmd(flags),
		jobsCmd(flags),
		heartbeatCmd(flags),
	)
	return root
}

func (f *rootFlags) load() (*config.Config, error) {
	return config.Load(f.configPath)
}

func (f *rootFlags) client(ctx context.Context, cfg *config.Config) (*gatewaybridge.Client, error) {
	opts := []gatewaybridge.Option{
		gatewaybridge.WithUserAgent("ssb-probe/" + version),
		gatewaybridge.WithLogger(cfg.Logger(os.Stderr)),
	}
	if f.debug {
		opts = append(opts, gatewaybridge.WithDebug(true))
	}
	return cfg.NewClient(ctx, opts...)
}

func (f *rootFlags) context(parent context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, f.timeout)
}

func checkTokenCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-token",
		Short: "Decode the configured bearer token and report its expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			holder, err := cfg.Credentials(cmd.Context())
			if err != nil {
				return err
			}
			cred := holder.Current()
			w := cmd.OutOrStdout()

			if sub := cred.Subject(); sub != "" {
				fmt.Fprintf(w, "subject:  %s\n", sub)
			}
			if iat, ok := cred.IssuedAt(); ok {
				fmt.Fprintf(w, "issued:   %s\n", iat.UTC().Format(time.RFC3339))
			}
			exp, ok := cred.Expiry()
			if !ok {
				color.New(color.FgYellow).Fprintln(w, "expires:  never (no exp claim)")
				return nil
			}
			now := time.Now()
			if cred.IsExpired(now) {
				color.New(color.FgRed).Fprintf(w, "expired:  %s (%s ago)\n", exp.UTC().Format(time.RFC3339), now.Sub(exp).Round(time.Second))
				return gatewaybridge.ErrCredentialExpired
			}
			color.New(color.FgGreen).Fprintf(w, "expires:  %s (in %s)\n", exp.UTC().Format(time.RFC3339), exp.Sub(now).Round(time.Second))
			return nil
		},
	}
}

func callCmd(flags *rootFlags) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "call <METHOD> <path>",
		Short: "Send one request relative to the gateway context path",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: call takes METHOD and path, got %d args", errUsage, len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("%w: --data is not valid JSON", errUsage)
				}
				body = json.RawMessage(data)
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd.Context())
			defer cancel()
			client, err := flags.client(ctx, cfg)
			if err != nil {
				return err
			}

			var out gatewaybridge.Outcome
			err = withRefresh(ctx, cfg, client, func() error {
				out = client.Execute(ctx, args[0], args[1], body)
				return out.Err()
			})
			printOutcome(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	return cmd
}

func jobsCmd(flags *rootFlags) *cobra.Command {
	var withSamples bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List streaming-SQL jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd.Context())
			defer cancel()
			client, err := flags.client(ctx, cfg)
			if err != nil {
				return err
			}
			ssb := adapters.NewSSBAdapter(client)

			var rows []adapters.JobSampleSummary
			err = withRefresh(ctx, cfg, client, func() error {
				if withSamples {
					var err error
					rows, err = ssb.ListJobsWithSamples(ctx, max(1, cfg.HTTP.RateLimitBurst))
					return err
				}
				jobs, err := ssb.ListJobs(ctx)
				if err != nil {
					return err
				}
				rows = rows[:0]
				for _, j := range jobs.Jobs {
					rows = append(rows, adapters.JobSampleSummary{Job: j})
				}
				return nil
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if withSamples {
				fmt.Fprintln(tw, "ID\tNAME\tSTATE\tSAMPLE\tRECORDS\tSAMPLE STATE")
			} else {
				fmt.Fprintln(tw, "ID\tNAME\tSTATE\tSAMPLE")
			}
			running := 0
			for _, r := range rows {
				if r.Running() {
					running++
				}
				if withSamples {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", r.JobID, r.Name, r.State, r.SampleID, r.SampleRecords, r.SampleStatus)
				} else {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.JobID, r.Name, r.State, r.SampleID)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d jobs, %d running\n", len(rows), running)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withSamples, "samples", false, "also fetch each job's sample")
	return cmd
}

func heartbeatCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Check that the gateway accepts the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, cancel := flags.context(cmd.Context())
			defer cancel()
			client, err := flags.client(ctx, cfg)
			if err != nil {
				return err
			}

			start := time.Now()
			err = withRefresh(ctx, cfg, client, func() error {
				_, err := adapters.NewSSBAdapter(client).Heartbeat(ctx)
				return err
			})
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "ok %s (%s)\n",
				client.Target().Base()+client.Target().ContextPath(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// withRefresh runs op and, when it fails authentication and a token endpoint is configured,
// fetches a fresh credential and runs op once more.
func withRefresh(ctx context.Context, cfg *config.Config, client *gatewaybridge.Client, op func() error) error {
	err := op()
	if !errors.Is(err, gatewaybridge.ErrAuthFailure) {
		return err
	}
	src := cfg.TokenSource(ctx)
	if src == nil {
		return err
	}
	if rerr := client.Credentials().Refresh(src); rerr != nil {
		return errors.Join(err, rerr)
	}
	return op()
}

func printOutcome(w io.Writer, out gatewaybridge.Outcome) {
	status := color.New(color.FgGreen)
	if !out.OK() {
		status = color.New(color.FgRed)
	}
	status.Fprintf(w, "%s", strings.ToUpper(out.Kind.String()))
	fmt.Fprintf(w, "  status=%d attempts=%d request_id=%s\n", out.StatusCode, out.Attempts, out.RequestID)

	if err := out.Err(); err != nil {
		fmt.Fprintln(w, err)
		return
	}
	if len(out.Body) == 0 {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out.Body, "", "  "); err != nil {
		fmt.Fprintln(w, string(out.Body))
		return
	}
	fmt.Fprintln(w, pretty.String())
}
