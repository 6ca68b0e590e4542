package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/depmap_downloader/internal/cleanup"
	"github.com/italolelis/depmap_downloader/internal/config"
	"github.com/italolelis/depmap_downloader/internal/dc"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/svc/cache"
	"github.com/italolelis/depmap_downloader/internal/transfer"
)

type execFunc func(ctx context.Context, a *app, args []string) error

// command registers its flags on fs and returns the function that runs it.
type command struct {
	name  string
	short string
	setup func(fs *flag.FlagSet, cfg *config.Config) execFunc
}

var commands = map[string]command{}

func register(c command) {
	commands[c.name] = c
}

func init() {
	register(command{name: "update", short: "synchronize the catalog with the portal", setup: updateCmd})
	register(command{name: "list", short: "list cached releases, datasets or files", setup: listCmd})
	register(command{name: "download", short: "download catalog files", setup: downloadCmd})
	register(command{name: "custom", short: "run a custom extraction and download the result", setup: customCmd})
	register(command{name: "search", short: "search genes, cell lines and datasets", setup: searchCmd})
	register(command{name: "stats", short: "show cache statistics", setup: statsCmd})
	register(command{name: "clear", short: "delete cached catalog rows", setup: clearCmd})
	register(command{name: "serve", short: "serve the read-only HTTP API", setup: serveCmd})
	register(command{name: "sweep", short: "delete orphaned temporary download files", setup: sweepCmd})
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}

	slices.Sort(names)

	fmt.Fprintln(os.Stderr, "usage: depmap_downloader <command> [flags]")
	fmt.Fprintln(os.Stderr)

	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\t%s\n", name, commands[name].short)
	}

	w.Flush()
}

func updateCmd(fs *flag.FlagSet, _ *config.Config) execFunc {
	categories := fs.String("categories", "", "comma separated categories to refresh (releases,datasets,genes); all when empty")
	force := fs.Bool("force", false, "refresh even when the cache is fresh")

	return func(ctx context.Context, a *app, _ []string) error {
		var cats []storage.Category

		for _, name := range splitList(*categories) {
			c, ok := storage.ParseCategory(name)
			if !ok {
				return fmt.Errorf("unknown category %q", name)
			}

			cats = append(cats, c)
		}

		report, err := a.svc.Update(ctx, cats, *force)

		w := newTable(os.Stdout)
		fmt.Fprintln(w, "CATEGORY\tROWS")

		for _, c := range storage.AllCategories() {
			if n, ok := report.Synced[c]; ok {
				fmt.Fprintf(w, "%s\t%s\n", c, humanize.Comma(int64(n)))
			}
		}

		for _, c := range report.Skipped {
			fmt.Fprintf(w, "%s\tfresh, skipped\n", c)
		}

		w.Flush()

		return err
	}
}

func listCmd(fs *flag.FlagSet, _ *config.Config) execFunc {
	kind := fs.String("kind", "releases", "releases, datasets or files")
	dataType := fs.String("data-type", "", "only this data type")
	term := fs.String("q", "", "substring of the name")
	release := fs.String("release", "", "only files of this release")
	dataset := fs.String("dataset", "", "only files of this dataset")
	current := fs.Bool("current", false, "only the current release")
	limit := fs.Int("limit", 0, "maximum rows, 0 for all")

	return func(ctx context.Context, a *app, _ []string) error {
		k, err := cache.ParseListKind(*kind)
		if err != nil {
			return err
		}

		l, err := a.svc.List(ctx, k, storage.Filter{
			DataType:    *dataType,
			Term:        *term,
			ReleaseID:   *release,
			DatasetID:   *dataset,
			CurrentOnly: *current,
			Limit:       *limit,
		})
		if err != nil {
			return err
		}

		printListing(os.Stdout, l)

		return nil
	}
}

func printListing(out io.Writer, l cache.Listing) {
	w := newTable(out)
	defer w.Flush()

	switch l.Kind {
	case cache.ListDatasets:
		fmt.Fprintln(w, "ID\tNAME\tDATA TYPE")

		for _, d := range l.Datasets {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.DisplayName, d.DataType)
		}
	case cache.ListFiles:
		fmt.Fprintln(w, "NAME\tRELEASE\tDATA TYPE\tSIZE\tSTATE")

		for _, f := range l.Files {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Name, f.ReleaseID, f.DataType, sizeOf(f.Size), f.State)
		}
	default:
		fmt.Fprintln(w, "NAME\tDATE\tFILES\tCURRENT")

		for _, r := range l.Releases {
			date := "-"
			if !r.ReleaseDate.IsZero() {
				date = r.ReleaseDate.Format(time.DateOnly)
			}

			current := ""
			if r.IsCurrent {
				current = "*"
			}

			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Name, date, r.FileCount, current)
		}
	}
}

func downloadCmd(fs *flag.FlagSet, _ *config.Config) execFunc {
	release := fs.String("release", "", "release to download from, the current one when empty")
	dataset := fs.String("dataset", "", "download the files of this dataset")
	file := fs.String("file", "", "download a single file by name")
	skipExisting := fs.Bool("skip-existing", true, "skip files already present and verified")
	verify := fs.Bool("verify", true, "verify MD5 checksums when known")
	progress := fs.Bool("progress", false, "print per-file progress")

	return func(ctx context.Context, a *app, _ []string) error {
		opts := a.transferOptions(*skipExisting, *verify)
		if *progress {
			opts.OnProgress = printProgress(os.Stderr)
		}

		result, err := a.svc.Download(ctx, transfer.Selector{Release: *release, Dataset: *dataset, File: *file}, opts)
		if result != nil {
			printResult(os.Stdout, result)
		}

		if err != nil {
			return err
		}

		return result.Err()
	}
}

func customCmd(fs *flag.FlagSet, _ *config.Config) execFunc {
	dataset := fs.String("dataset", "", "dataset id to extract from (required)")
	features := fs.String("features", "", "comma separated feature labels, all when empty")
	cellLines := fs.String("cell-lines", "", "comma separated cell line ids, all when empty")
	dropEmpty := fs.Bool("drop-empty", false, "drop rows and columns without data")
	metadata := fs.Bool("metadata", false, "add cell line metadata columns")

	return func(ctx context.Context, a *app, _ []string) error {
		req := dc.CustomRequest{
			DatasetID:           *dataset,
			FeatureLabels:       splitList(*features),
			CellLineIDs:         splitList(*cellLines),
			DropEmpty:           *dropEmpty,
			AddCellLineMetadata: *metadata,
		}

		t, result, err := a.svc.CustomDownload(ctx, req, a.transferOptions(false, true))
		if t.ID != "" {
			fmt.Fprintf(os.Stdout, "task %s: %s\n", t.ID, t.State)
		}

		if result != nil {
			printResult(os.Stdout, result)
		}

		if err != nil {
			return err
		}

		return result.Err()
	}
}

func searchCmd(fs *flag.FlagSet, _ *config.Config) execFunc {
	kind := fs.String("kind", "all", "all, genes, cell-lines or datasets")
	limit := fs.Int("limit", storage.DefaultSearchLimit, "maximum results per kind")

	return func(ctx context.Context, a *app, args []string) error {
		k, err := storage.ParseSearchKind(*kind)
		if err != nil {
			return err
		}

		results, err := a.svc.Search(ctx, strings.Join(args, " "), k, *limit)
		if err != nil {
			return err
		}

		w := newTable(os.Stdout)
		defer w.Flush()

		fmt.Fprintln(w, "KIND\tRESULT")

		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\n", r.Kind(), r.Title())
		}

		return nil
	}
}

func statsCmd(fs *flag.FlagSet, _ *config.Config) execFunc {
	detailed := fs.Bool("detailed", false, "include per-release and per-type breakdowns")

	return func(ctx context.Context, a *app, _ []string) error {
		st, err := a.svc.Stats(ctx, *detailed)
		if err != nil {
			return err
		}

		w := newTable(os.Stdout)
		defer w.Flush()

		fmt.Fprintf(w, "releases\t%s\n", humanize.Comma(int64(st.Releases)))
		fmt.Fprintf(w, "datasets\t%s\n", humanize.Comma(int64(st.Datasets)))
		fmt.Fprintf(w, "files\t%s (%s verified)\n", humanize.Comma(int64(st.Files)), humanize.Comma(int64(st.FilesVerified)))
		fmt.Fprintf(w, "cell lines\t%s\n", humanize.Comma(int64(st.CellLines)))
		fmt.Fprintf(w, "gene dependencies\t%s\n", humanize.Comma(int64(st.GeneDeps)))
		fmt.Fprintf(w, "total size\t%s\n", humanize.Bytes(uint64(st.TotalSize)))

		updated := "never"
		if !st.LastUpdated.IsZero() {
			updated = humanize.Time(st.LastUpdated)
		}

		fmt.Fprintf(w, "last updated\t%s\n", updated)

		printBreakdown(w, "files in", st.FilesPerRelease)
		printBreakdown(w, "datasets of type", st.DatasetsPerType)

		return nil
	}
}

func printBreakdown(w io.Writer, label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "%s %s\t%d\n", label, k, counts[k])
	}
}

func clearCmd(fs *flag.FlagSet, _ *config.Config) execFunc {
	dataType := fs.String("data-type", "", "only clear rows of this data type")
	all := fs.Bool("all", false, "clear the whole cache")

	return func(ctx context.Context, a *app, _ []string) error {
		if *dataType == "" && !*all {
			return errors.New("refusing to clear the whole cache without -all")
		}

		if err := a.svc.Clear(ctx, storage.Scope{DataType: *dataType}); err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, "cache cleared")

		return nil
	}
}

func serveCmd(fs *flag.FlagSet, cfg *config.Config) execFunc {
	fs.StringVar(&cfg.Web.BindAddress, "addr", cfg.Web.BindAddress, "listen address")
	refresh := fs.Bool("refresh", true, "refresh the catalog and sweep temp files periodically")

	return func(ctx context.Context, a *app, _ []string) error {
		return a.serve(ctx, *refresh)
	}
}

func sweepCmd(fs *flag.FlagSet, cfg *config.Config) execFunc {
	fs.DurationVar(&cfg.TempFileRetention, "retention", cfg.TempFileRetention, "minimum age of a temp file before it is deleted")

	return func(ctx context.Context, a *app, _ []string) error {
		n, err := cleanup.DeleteOrphanedParts(ctx, a.cfg.OutputDir, a.cfg.TempFileRetention)
		if err != nil {
			return err
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "temp files swept", "deleted", n, "dir", a.cfg.OutputDir)
		fmt.Fprintf(os.Stdout, "deleted %d temporary files\n", n)

		return nil
	}
}

func printResult(out io.Writer, r *transfer.Result) {
	fmt.Fprintf(out, "%s, %s in %s\n", r.Summary(), humanize.Bytes(uint64(r.Bytes)), r.Duration.Round(time.Millisecond))

	for _, f := range r.Failures {
		fmt.Fprintf(out, "  failed: %v\n", f)
	}
}

// printProgress reports terminal phases, plus streamed bytes when the size is known.
func printProgress(out io.Writer) func(transfer.Event) {
	return func(e transfer.Event) {
		switch {
		case e.Phase == transfer.PhaseStreaming && e.Total > 0:
			fmt.Fprintf(out, "%s: %s / %s\n", e.File, humanize.Bytes(uint64(e.Written)), humanize.Bytes(uint64(e.Total)))
		case e.Phase.IsTerminal():
			fmt.Fprintf(out, "%s: %s\n", e.File, e.Phase)
		}
	}
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

func sizeOf(n int64) string {
	if n <= 0 {
		return "-"
	}

	return humanize.Bytes(uint64(n))
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
