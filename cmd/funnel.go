package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/humano-saude/funnel-api/internal/funnel"
	"github.com/humano-saude/funnel-api/internal/model"
	"github.com/humano-saude/funnel-api/internal/store"
)

var funnelCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Show a broker's referral funnel",
	Long: `Prints the broker's funnel summary and one page of leads.

Examples:
  # Whole funnel, first page
  funnel --broker ana-ribeiro

  # Only closed leads
  funnel --broker ana-ribeiro --status closed

  # Search by name, email or phone
  funnel --broker ana-ribeiro --search maria

  # Keep refreshing every 30s until interrupted
  funnel --broker ana-ribeiro --watch`,
	RunE: runFunnel,
}

func init() {
	f := funnelCmd.Flags()
	f.String("broker", "", "broker slug (required)")
	f.String("status", "", "filter by status: "+joinStatuses())
	f.String("search", "", "substring match on name, email and phone")
	f.Int("page", 1, "page number")
	f.Bool("watch", false, "keep refreshing until interrupted")
	f.Int("interval", 0, "refresh interval in seconds (default from config)")
	funnelCmd.MarkFlagRequired("broker")

	rootCmd.AddCommand(funnelCmd)
}

func joinStatuses() string {
	parts := make([]string, len(model.LeadStatuses))
	for i, s := range model.LeadStatuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func runFunnel(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("funnel"); err != nil {
		return err
	}

	slug, _ := cmd.Flags().GetString("broker")
	statusFlag, _ := cmd.Flags().GetString("status")
	search, _ := cmd.Flags().GetString("search")
	page, _ := cmd.Flags().GetInt("page")
	watch, _ := cmd.Flags().GetBool("watch")
	intervalSecs, _ := cmd.Flags().GetInt("interval")

	filter := store.LeadFilter{
		Search:   search,
		Page:     page,
		PageSize: cfg.Funnel.PageSize,
	}
	if statusFlag != "" {
		status := model.LeadStatus(statusFlag)
		if !status.Valid() {
			return eris.Errorf("funnel: unknown status %q (valid: %s)", statusFlag, joinStatuses())
		}
		filter.Status = status
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	broker, err := st.GetBrokerBySlug(ctx, slug)
	if err != nil {
		return eris.Wrapf(err, "funnel: broker %q", slug)
	}

	agg := funnel.NewAggregator(st)

	if !watch {
		d, err := agg.Dashboard(ctx, broker.ID, filter)
		if err != nil {
			return err
		}
		renderDashboard(os.Stdout, broker, d)
		return nil
	}

	if intervalSecs == 0 {
		intervalSecs = cfg.Funnel.RefreshSecs
	}
	interval := time.Duration(intervalSecs) * time.Second

	err = agg.Watch(ctx, broker.ID, filter, interval, func(d *funnel.Dashboard) {
		fmt.Print("\033[H\033[2J") // clear screen between refreshes
		renderDashboard(os.Stdout, broker, d)
		fmt.Printf("\nrefreshing every %s, Ctrl-C to stop\n", interval)
	})
	if eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func renderDashboard(w io.Writer, broker *model.Broker, d *funnel.Dashboard) {
	s := d.Summary
	fmt.Fprintf(w, "Funnel for %s (%s)\n\n", broker.Name, broker.Slug)
	fmt.Fprintf(w, "  total: %d   conversion: %d%%\n", s.Total, s.ConversionRate)
	fmt.Fprintf(w, "  simulated: %d   contacted: %d   under_review: %d   proposal_sent: %d   closed: %d   lost: %d\n\n",
		s.Simulated, s.Contacted, s.UnderReview, s.ProposalSent, s.Closed, s.Lost)

	if len(d.Leads) == 0 {
		fmt.Fprintln(w, "  no leads match")
		return
	}

	fmt.Fprintf(w, "  %-24s %-14s %-10s %-10s %-9s %s\n",
		"NAME", "STATUS", "VALUE", "SAVING", "CONTACTED", "CREATED")
	for _, lead := range d.Leads {
		name := "-"
		if lead.Name != nil && *lead.Name != "" {
			name = *lead.Name
		}
		contacted := ""
		if lead.ContactClicked {
			contacted = "yes"
		}
		fmt.Fprintf(w, "  %-24s %-14s %-10.2f %-10.2f %-9s %s\n",
			truncate(name, 24), lead.Status, lead.CurrentValue,
			lead.EstimatedSaving, contacted,
			lead.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	fmt.Fprintf(w, "\n  page %d of %d (%d leads)\n", d.Page, d.Pages, d.Total)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
