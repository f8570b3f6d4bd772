package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/greentrail/nudge-engine/internal/apiclient"
	"github.com/greentrail/nudge-engine/internal/engine"
	"github.com/greentrail/nudge-engine/internal/model"
)

var (
	serviceURL string
	debug      bool
)

const requestTimeout = 15 * time.Second

func main() {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// NewRootCmd constructs the root CLI command; exposed for unit testing.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nudgectl",
		Short:         "CLI client for the local nudge engine API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: "2006-01-02 15:04:05",
				NoColor:    true,
			})
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}

	defaultURL := getEnv("NUDGE_ENGINE_URL", "http://localhost:11546")
	rootCmd.PersistentFlags().StringVar(&serviceURL, "service-url", defaultURL, "Base URL of the local nudge engine")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable verbose debug output")

	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newSettingsCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newRespondCmd())
	rootCmd.AddCommand(newDelaysCmd())
	rootCmd.AddCommand(newCompleteDelayCmd())
	rootCmd.AddCommand(newExtendDelayCmd())
	rootCmd.AddCommand(newAlarmCmd())
	rootCmd.AddCommand(newClearProfileCmd())
	rootCmd.AddCommand(newHealthCmd())

	return rootCmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show totals, effectiveness and sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			stats, err := client().Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newSettingsCmd() *cobra.Command {
	var product, travel, text, predictive, delay, nudges string

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show settings, or change them with --product=false etc.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			var patch model.SettingsPatch
			changed := false
			for _, f := range []struct {
				name string
				val  string
				dst  **bool
			}{
				{"product", product, &patch.Product},
				{"travel", travel, &patch.Travel},
				{"text", text, &patch.Text},
				{"predictive", predictive, &patch.Predictive},
				{"delay", delay, &patch.Delay},
				{"nudges", nudges, &patch.Nudges},
			} {
				if !cmd.Flags().Changed(f.name) {
					continue
				}
				b, err := parseBool(f.val)
				if err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
				*f.dst = &b
				changed = true
			}

			if !changed {
				s, err := client().Settings(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			}
			log.Debug().Interface("patch", patch).Msg("patching settings")
			s, err := client().PatchSettings(ctx, patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "Product page detector (true|false)")
	cmd.Flags().StringVar(&travel, "travel", "", "Travel search detector (true|false)")
	cmd.Flags().StringVar(&text, "text", "", "Text flag detector (true|false)")
	cmd.Flags().StringVar(&predictive, "predictive", "", "Predictive triggers (true|false)")
	cmd.Flags().StringVar(&delay, "delay", "", "Cooling-off delays (true|false)")
	cmd.Flags().StringVar(&nudges, "nudges", "", "Show nudges at all (true|false)")
	return cmd
}

func newReportCmd() *cobra.Command {
	var p engine.ActionPayload

	cmd := &cobra.Command{
		Use:   "report KIND",
		Short: "Report an action (product_view, travel_search, text_flag, page_visit, search_query)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			log.Debug().Str("kind", args[0]).Interface("payload", p).Msg("reporting action")
			res, err := client().ReportAction(ctx, args[0], p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&p.URL, "url", "", "Page URL")
	cmd.Flags().StringVar(&p.Title, "title", "", "Page or product title")
	cmd.Flags().StringVar(&p.Category, "category", "", "Product category")
	cmd.Flags().Float64Var(&p.PriceUSD, "price", 0, "Price in USD")
	cmd.Flags().Float64Var(&p.EmissionKg, "emission-kg", 0, "Estimated emissions in kg CO2e")
	cmd.Flags().Float64Var(&p.CostSavings, "cost-savings", 0, "Savings of the greener option in USD")
	cmd.Flags().BoolVar(&p.HighImpact, "high-impact", false, "Mark the action as high impact")
	cmd.Flags().StringVar(&p.Query, "query", "", "Search query text (search_query)")
	cmd.Flags().Float64Var(&p.DwellSeconds, "dwell", 0, "Seconds spent on the page")
	return cmd
}

func newRespondCmd() *cobra.Command {
	var snooze int

	cmd := &cobra.Command{
		Use:   "respond INTERACTION_ID RESPONSE",
		Short: "Record a response (accepted, dismissed, snoozed, ignored)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := client().Respond(ctx, engine.ResponsePayload{
				InteractionID: args[0],
				Response:      model.ResponseType(args[1]),
				SnoozeMinutes: snooze,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&snooze, "snooze-minutes", 0, "Snooze length for a snoozed response (default 60)")
	return cmd
}

func newDelaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delays",
		Short: "List active cooling-off delays",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			delays, err := client().Delays(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), delays)
		},
	}
}

func newCompleteDelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-delay DELAY_ID OUTCOME",
		Short: "Complete a delay (purchased, skipped, alternative)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			ev, err := client().CompleteDelay(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ev)
		},
	}
}

func newExtendDelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extend-delay DELAY_ID",
		Short: "Extend a delay by a day, up to 48 hours in total",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rec, err := client().ExtendDelay(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newAlarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alarm TOKEN",
		Short: "Fire a scheduler alarm by token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			handled, err := client().FireAlarm(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{"handled": handled})
		},
	}
}

func newClearProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-profile",
		Short: "Forget learned behavior and the activity histogram",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := client().ClearProfile(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "profile cleared")
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			h, err := client().Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

func client() *apiclient.Client {
	return apiclient.New(serviceURL, requestTimeout)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "on", "1", "yes":
		return true, nil
	case "false", "off", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected true or false, got %q", s)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
