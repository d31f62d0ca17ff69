package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/c360studio/semrml/config"
	"github.com/c360studio/semrml/export"
	"github.com/c360studio/semrml/function"
	"github.com/c360studio/semrml/item"
	"github.com/c360studio/semrml/join"
	"github.com/c360studio/semrml/mapping"
)

// offlineRequest describes one batch mapping run.
type offlineRequest struct {
	MappingPaths []string
	Sources      []sourceSpec
	TimeField    string
	Window       time.Duration
	ArtifactDir  string
}

// offlineResult holds the deduplicated output of a batch run.
type offlineResult struct {
	Triples  []export.Triple
	Prefixes map[string]string
	Joined   int
	Skipped  int
	Halted   []string
}

func mapCmd(opts *globalOptions) *cobra.Command {
	var (
		mappingPaths []string
		sources      []string
		timeField    string
		window       time.Duration
		format       string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Map source files to RDF without NATS",
		Long: `Map reads each logical source from a file, runs the mapping and its
joins in memory and writes the resulting graph.

Sources are given as name=path. JSON Lines (.jsonl, .ndjson), JSON (.json)
and CSV with a header row (.csv) are supported.`,
		Example: `  semrml map -m people.yaml -s people=people.jsonl -s depts=depts.csv
  semrml map -m 'mappings/**/*.yaml' -s events=events.jsonl --time-field ts --window 1m -f turtle`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}

			req, err := newOfflineRequest(cfg, mappingPaths, sources, timeField, window)
			if err != nil {
				return err
			}
			if format == "" {
				format = cfg.Output.Format
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}

			res, err := mapOffline(cmd.Context(), req, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer file.Close()
				out = file
			}
			if err := writeResult(out, f, res); err != nil {
				return err
			}

			logger.Info("Mapping complete",
				"triples", len(res.Triples),
				"joined", res.Joined,
				"skipped", res.Skipped,
				"halted", len(res.Halted))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&mappingPaths, "mapping", "m", nil, "mapping document paths or ** globs (default: mapping.paths)")
	cmd.Flags().StringArrayVarP(&sources, "source", "s", nil, "logical source as name=path (repeatable)")
	cmd.Flags().StringVar(&timeField, "time-field", "", "record path holding the event time")
	cmd.Flags().DurationVar(&window, "window", 0, "join window length (default: join.window_length)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "output format: turtle, ntriples, jsonld (default: output.format)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")

	return cmd
}

func newOfflineRequest(cfg *appconfig.Config, mappingPaths, sources []string, timeField string, window time.Duration) (offlineRequest, error) {
	req := offlineRequest{
		MappingPaths: mappingPaths,
		TimeField:    timeField,
		Window:       window,
		ArtifactDir:  cfg.Functions.ArtifactDir,
	}
	if len(req.MappingPaths) == 0 {
		req.MappingPaths = cfg.Mapping.Paths
	}
	if len(req.MappingPaths) == 0 {
		return req, fmt.Errorf("no mapping documents: use --mapping or set mapping.paths")
	}
	if req.Window <= 0 {
		req.Window = cfg.Join.WindowLength
	}
	if len(sources) == 0 {
		return req, fmt.Errorf("at least one --source is required")
	}
	for _, s := range sources {
		spec, err := parseSourceSpec(s)
		if err != nil {
			return req, err
		}
		req.Sources = append(req.Sources, spec)
	}
	return req, nil
}

// mapOffline maps every record, then joins each child/parent source pair in
// memory. All windows are closed with a final watermark past the newest
// record, so records without event times join as one batch.
func mapOffline(ctx context.Context, req offlineRequest, logger *slog.Logger) (*offlineResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	doc, err := mapping.LoadGlob(req.MappingPaths...)
	if err != nil {
		return nil, err
	}
	m, err := mapping.Compile(doc)
	if err != nil {
		return nil, err
	}

	wasm := function.NewWASMResolver(req.ArtifactDir)
	defer func() {
		if err := wasm.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to close function runtime", "error", err)
		}
	}()
	exec := mapping.NewExecutor(m,
		mapping.WithResolver(function.ChainResolver{function.Builtins(), wasm}),
		mapping.WithLogger(logger))

	data := make(map[string][]item.Timed, len(req.Sources))
	for _, src := range req.Sources {
		items, err := readSource(src.Path, req.TimeField)
		if err != nil {
			return nil, err
		}
		data[src.Name] = append(data[src.Name], items...)
		logger.Debug("Loaded source", "source", src.Name, "path", src.Path, "records", len(items))
	}
	for _, name := range m.Sources() {
		if _, ok := data[name]; !ok {
			logger.Warn("Mapping source has no input", "source", name)
		}
	}

	res := &offlineResult{Prefixes: m.Prefixes()}
	seen := make(map[string]struct{})
	collect := func(triples []export.Triple) {
		for _, t := range triples {
			k := t.String()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			res.Triples = append(res.Triples, t)
		}
	}

	for _, src := range req.Sources {
		for _, t := range data[src.Name] {
			triples, err := exec.Map(ctx, src.Name, t.Item)
			if err != nil && !errors.Is(err, mapping.ErrMappingHalted) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				res.Skipped++
				logger.Warn("Skipping record", "source", src.Name, "error", err)
				continue
			}
			collect(triples)
		}
	}

	for _, spec := range m.Joins() {
		matches, err := joinOffline(spec, data, req.Window)
		if err != nil {
			return nil, fmt.Errorf("join %s -> %s: %w", spec.ChildMap, spec.ParentMap, err)
		}
		for _, match := range matches {
			triples, err := exec.MapJoined(ctx, spec.ChildSource, spec.ParentSource, match.Joined)
			if err != nil && !errors.Is(err, mapping.ErrMappingHalted) {
				return nil, err
			}
			res.Joined++
			collect(triples)
		}
	}

	for id, cause := range exec.Halted() {
		res.Halted = append(res.Halted, id)
		logger.Error("Triples map halted", "triples_map", id, "error", cause)
	}
	sort.Strings(res.Halted)

	return res, nil
}

// joinOffline correlates the two sources of a join spec and flushes every
// window at once.
func joinOffline(spec mapping.JoinSpec, data map[string][]item.Timed, window time.Duration) ([]join.Match, error) {
	children, parents := data[spec.ChildSource], data[spec.ParentSource]
	if len(children) == 0 || len(parents) == 0 {
		return nil, nil
	}

	corr, err := join.NewCorrelator(spec.Condition, window)
	if err != nil {
		return nil, err
	}

	var latest time.Time
	add := func(side join.Side, items []item.Timed) {
		for _, t := range items {
			corr.Add(side, t)
			if t.Time.After(latest) {
				latest = t.Time
			}
		}
	}
	add(join.Child, children)
	add(join.Parent, parents)

	return corr.Advance(latest.Add(window)), nil
}

func writeResult(w io.Writer, format export.Format, res *offlineResult) error {
	if len(res.Triples) == 0 {
		return nil
	}
	content, err := export.Serialize(format, res.Prefixes, res.Triples)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
