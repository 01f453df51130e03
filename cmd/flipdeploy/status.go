package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"flipdeploy/internal/history"
	"flipdeploy/internal/project"
	"flipdeploy/internal/security"
	"flipdeploy/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status [APP]",
	Short: "Show an app's slots and recent runs",
	Long: `Show the live slot of an app, the state of both slots and its recent runs,
as recorded in the local state database. Without APP the latest run of every
app is listed.

With --check the systemd state of each slot's unit is queried on the
deployment host as well. With --run a single run is shown in full.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("yaml", false, "Print the status as YAML")
	statusCmd.Flags().Bool("check", false, "Query the units on the deployment host")
	statusCmd.Flags().IntP("limit", "n", 10, "Number of recent runs to show")
	statusCmd.Flags().String("run", "", "Show one run by ID")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		return showLatestRuns(cmd, cfg)
	}
	if runID, _ := cmd.Flags().GetString("run"); runID != "" {
		return showRun(cmd, cfg, runID)
	}

	app := args[0]
	if err := security.ValidateAppName(app); err != nil {
		return fmt.Errorf("invalid app name: %w", err)
	}
	cfg = cfg.WithApp(app)

	logger, logCloser, err := setupLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	hist, err := history.NewHistory(cfg.State.DB)
	if err != nil {
		return fmt.Errorf("failed to open state database %s: %w", cfg.State.DB, err)
	}
	defer hist.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	status, err := hist.Status(cmd.Context(), app, limit)
	if err != nil {
		return err
	}

	units := map[string]string{}
	if check, _ := cmd.Flags().GetBool("check"); check && len(status.Slots) > 0 {
		if err := cfg.Validate(); err != nil {
			return err
		}
		st, err := openStack(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, slot := range status.Slots {
			state, err := st.registrar.ActiveState(cmd.Context(), app, slot.Color)
			if err != nil {
				logger.Warn("unit state unavailable", "unit", service.UnitName(app, slot.Color), "error", err)
				state = "unknown"
			}
			units[slot.Color] = state
		}
	}

	if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
		return encodeYAML(cmd.OutOrStdout(), status)
	}

	printStatus(cmd.OutOrStdout(), status, units)
	return nil
}

func showLatestRuns(cmd *cobra.Command, cfg *project.Config) error {
	hist, err := history.NewHistory(cfg.State.DB)
	if err != nil {
		return fmt.Errorf("failed to open state database %s: %w", cfg.State.DB, err)
	}
	defer hist.Close()

	latest, err := hist.LatestRuns(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(latest) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	apps := make([]string, 0, len(latest))
	for app := range latest {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tKIND\tCOLOR\tPORT\tSTATE\tSTARTED")
	for _, app := range apps {
		run := latest[app]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			app, run.Kind, run.Color, portString(run.Port), run.State, humanize.Time(run.StartedAt))
	}
	return tw.Flush()
}

func showRun(cmd *cobra.Command, cfg *project.Config, id string) error {
	hist, err := history.NewHistory(cfg.State.DB)
	if err != nil {
		return fmt.Errorf("failed to open state database %s: %w", cfg.State.DB, err)
	}
	defer hist.Close()

	run, err := hist.GetRun(cmd.Context(), id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", id)
	}

	view := history.NewRunView(*run)
	if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
		return encodeYAML(cmd.OutOrStdout(), view)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:      %s (%s)\n", run.ID, run.Kind)
	fmt.Fprintf(out, "App:      %s as %s\n", run.App, run.User)
	if run.Ref != "" {
		fmt.Fprintf(out, "Ref:      %s\n", run.Ref)
	}
	fmt.Fprintf(out, "Slot:     %s (port %s)\n", run.Color, portString(run.Port))
	if run.Previous != nil {
		fmt.Fprintf(out, "Previous: %s (port %d)\n", run.Previous.Color, run.Previous.Port)
	}
	fmt.Fprintf(out, "State:    %s\n", run.State)
	if run.FailedStage != "" {
		fmt.Fprintf(out, "Failed:   at %s: %s\n", run.FailedStage, run.Error)
	}
	fmt.Fprintf(out, "Started:  %s\n", run.StartedAt.Local().Format(time.RFC1123))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Duration: %s\n", run.Duration().Round(time.Second))
	}
	return nil
}

func printStatus(w io.Writer, status *history.AppStatus, units map[string]string) {
	fmt.Fprintf(w, "App: %s\n", status.App)
	if status.Live != nil {
		fmt.Fprintf(w, "Live: %s on port %d (since %s)\n", status.Live.Color, status.Live.Port, humanize.Time(status.Live.UpdatedAt))
	} else {
		fmt.Fprintln(w, "Live: none")
	}

	if len(status.Slots) > 0 {
		fmt.Fprintln(w, "\nSlots:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		header := "  COLOR\tSTATUS\tPORT\tUPDATED"
		if len(units) > 0 {
			header += "\tUNIT"
		}
		fmt.Fprintln(tw, header)
		for _, slot := range status.Slots {
			line := fmt.Sprintf("  %s\t%s\t%s\t%s", slot.Color, slot.Status, portString(slot.Port), humanize.Time(slot.UpdatedAt))
			if len(units) > 0 {
				line += "\t" + units[slot.Color]
			}
			fmt.Fprintln(tw, line)
		}
		tw.Flush()
	}

	if len(status.Recent) == 0 {
		fmt.Fprintln(w, "\nNo runs recorded")
		return
	}

	fmt.Fprintln(w, "\nRecent runs:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tKIND\tCOLOR\tPORT\tSTATE\tSTARTED\tDETAIL")
	for _, run := range status.Recent {
		detail := run.Ref
		if run.FailedStage != "" {
			detail = "failed at " + run.FailedStage
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(run.ID), run.Kind, run.Color, portString(run.Port), run.State,
			humanize.Time(run.StartedAt), detail)
	}
	tw.Flush()
}

func portString(port int) string {
	if port == 0 {
		return "-"
	}
	return fmt.Sprint(port)
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	return enc.Close()
}
