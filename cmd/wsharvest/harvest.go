package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/wsharvest/browser"
	"github.com/hazyhaar/wsharvest/harvest"
	"github.com/hazyhaar/wsharvest/login"
	"github.com/hazyhaar/wsharvest/oracle"
	"github.com/hazyhaar/wsharvest/phrase"
)

var harvestFlags struct {
	file         string
	region       int
	accounts     []string
	tabs         int
	variants     []string
	headless     bool
	noIntercept  bool
	solveCaptcha bool
	quiet        bool
}

var harvestCmd = &cobra.Command{
	Use:   "harvest [phrase...]",
	Short: "Collect frequencies for a batch of phrases",
	Long: `Phrases come from the arguments and from --file (one per line, "-" for
stdin). Phrases already collected for the region are skipped, so the same
batch can be re-run after an interruption.`,
	RunE: withApp(runHarvest),
}

func init() {
	f := harvestCmd.Flags()
	f.StringVarP(&harvestFlags.file, "file", "f", "", `read phrases from file, "-" for stdin`)
	f.IntVarP(&harvestFlags.region, "region", "r", 0, "Wordstat region id (default from config, 225 = Russia)")
	f.StringSliceVarP(&harvestFlags.accounts, "accounts", "a", nil, "account names to use (default all)")
	f.IntVarP(&harvestFlags.tabs, "tabs", "t", 0, "tabs per account session")
	f.StringSliceVar(&harvestFlags.variants, "variants", nil, "query variants: broad, quoted, exact")
	f.BoolVar(&harvestFlags.headless, "headless", false, "run Chromium headless")
	f.BoolVar(&harvestFlags.noIntercept, "no-intercept", false, "read frequencies from the page only")
	f.BoolVar(&harvestFlags.solveCaptcha, "solve-captcha", false, "save login captchas and ask for their text")
	f.BoolVarP(&harvestFlags.quiet, "quiet", "q", false, "do not print each phrase")
}

func runHarvest(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	masks, err := collectMasks(args, harvestFlags.file, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(masks) == 0 {
		return errors.New("no phrases given")
	}

	cfg := a.cfg
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = harvestFlags.headless
	}
	if harvestFlags.noIntercept {
		cfg.Browser.DisableIntercept = true
	}
	var variants []phrase.Variant
	for _, s := range harvestFlags.variants {
		v, err := phrase.ParseVariant(s)
		if err != nil {
			return err
		}
		variants = append(variants, v)
	}

	mgr := browser.NewManager(cfg.BrowserOptions(a.log))
	defer mgr.Close()

	var asker oracle.Asker
	var solver oracle.Solver
	if interactive(os.Stdin) {
		p := newPrompter(os.Stdin, os.Stderr, "")
		asker = p
		if harvestFlags.solveCaptcha {
			solver = p
		}
	}
	orc := oracle.New(asker, oracle.WithTimeout(cfg.Challenge.Timeout), oracle.WithLogger(a.log))
	lcfg := cfg.LoginOptions(orc, a.log)
	lcfg.Solver = solver

	var printer harvest.Progress
	if !harvestFlags.quiet {
		printer = printProgress(out)
	}
	progress := harvest.NewRouter(a.log, harvest.LogProgress{Logger: a.log}, printer)

	eng := harvest.New(a.st, a.accounts, harvest.BrowserLauncher{Manager: mgr, Logger: a.log}, login.New(lcfg),
		cfg.HarvestOptions(progress, a.log))
	stats, err := eng.Harvest(ctx, harvest.Request{
		Masks:    masks,
		Region:   harvestFlags.region,
		Accounts: harvestFlags.accounts,
		Tabs:     harvestFlags.tabs,
		Variants: variants,
	})
	printRunStats(out, stats)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted, %d phrases left queued", stats.Canceled)
	}
	return nil
}

// collectMasks merges argument phrases with the lines of file.
func collectMasks(args []string, file string, stdin io.Reader) ([]string, error) {
	masks := append([]string(nil), args...)
	if file == "" {
		return masks, nil
	}
	lines, err := readLines(file, stdin)
	if err != nil {
		return nil, err
	}
	return append(masks, lines...), nil
}

// readLines returns the non-blank, non-comment lines of path ("-" = r).
func readLines(path string, r io.Reader) ([]string, error) {
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

func printProgress(w io.Writer) harvest.Progress {
	return harvest.ProgressFunc(func(_ context.Context, ev harvest.Event) error {
		if ev.Err != "" {
			_, err := fmt.Fprintf(w, "[%d/%d] %s\terror: %s\n", ev.Done, ev.Total, ev.Mask, ev.Err)
			return err
		}
		_, err := fmt.Fprintf(w, "[%d/%d] %s\t%d\n", ev.Done, ev.Total, ev.Mask, ev.Freq)
		return err
	})
}

func printRunStats(w io.Writer, s harvest.RunStats) {
	elapsed := s.Finished.Sub(s.Started).Round(time.Second)
	fmt.Fprintf(w, "\nrun %s: %d phrases in %s\n", s.RunID, s.Total, elapsed)
	fmt.Fprintf(w, "  ok %d, failed %d, skipped %d, canceled %d, orphaned %d\n",
		s.Success, s.Failed, s.Skipped, s.Canceled, s.Orphaned)
	if len(s.Unavailable) > 0 {
		fmt.Fprintf(w, "  unavailable: %s\n", strings.Join(s.Unavailable, ", "))
	}
	if len(s.BlockedAccounts) > 0 {
		fmt.Fprintf(w, "  blocked: %s\n", strings.Join(s.BlockedAccounts, ", "))
	}
	if len(s.PerSession) == 0 {
		return
	}

	names := make([]string, 0, len(s.PerSession))
	for name := range s.PerSession {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ACCOUNT\tTABS\tOK\tFAILED\tRECOVERIES\tOUTCOME")
	for _, name := range names {
		ss := s.PerSession[name]
		outcome := "healthy"
		if ss.Kind != "" {
			outcome = fmt.Sprintf("%s: %s", ss.Kind, ss.Reason)
		}
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%d\t%s\n", name, ss.Tabs, ss.Success, ss.Failed, ss.Recoveries, outcome)
	}
	tw.Flush()
}
