// Package main provides the rastertile-ingest CLI for building and
// populating a local metadata database.
//
// Usage:
//
//	rastertile-ingest create-database "{region}_{band}.tif" --db db.sqlite
//	rastertile-ingest ingest path/to/raster.tif --db db.sqlite --keys us,red
//	rastertile-ingest scan "data/{region}_{band}.tif" --db db.sqlite
//	rastertile-ingest serve-check --db db.sqlite --keys us,red
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"rastertile/internal/driver"
	"rastertile/internal/raster"
	"rastertile/internal/settings"
	"rastertile/internal/tilecache"
	"rastertile/internal/tileengine"
)

var (
	dbPath  string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rastertile-ingest",
		Short: "Build and populate a rastertile metadata database",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the metadata database (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.MarkPersistentFlagRequired("db")

	rootCmd.AddCommand(createDatabaseCmd(), ingestCmd(), scanCmd(), serveCheckCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// keyPattern turns a filename pattern like "{region}_{band}.tif" into a
// matching regexp plus the ordered key names its placeholders name.
type keyPattern struct {
	names []string
	re    *regexp.Regexp
	glob  string
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

func parseKeyPattern(pattern string) (*keyPattern, error) {
	var names []string
	reSrc := regexp.QuoteMeta(pattern)
	glob := pattern

	matches := placeholderRe.FindAllStringSubmatchIndex(pattern, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("pattern %q does not declare any {key} placeholders", pattern)
	}

	for _, m := range matches {
		name := pattern[m[2]:m[3]]
		names = append(names, name)
	}

	for _, name := range names {
		placeholder := regexp.QuoteMeta("{" + name + "}")
		reSrc = strings.Replace(reSrc, placeholder, `([^/]+)`, 1)
		glob = strings.Replace(glob, "{"+name+"}", "*", 1)
	}

	re, err := regexp.Compile("^" + reSrc + "$")
	if err != nil {
		return nil, fmt.Errorf("compile key pattern: %w", err)
	}
	return &keyPattern{names: names, re: re, glob: glob}, nil
}

func (p *keyPattern) match(path string) ([]string, bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	return m[1:], true
}

func createDatabaseCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "create-database <pattern>",
		Short: "Create a new database and register every file matching pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := parseKeyPattern(args[0])
			if err != nil {
				return err
			}

			if overwrite {
				os.Remove(dbPath)
			}

			drv := driver.NewLocal(dbPath)
			defer drv.Close()
			keys := make([]driver.KeyDescription, len(pattern.names))
			for i, name := range pattern.names {
				keys[i] = driver.KeyDescription{Name: name, Description: name}
			}
			ctx := context.Background()

			release, err := drv.Connect(ctx)
			if err != nil {
				return err
			}
			defer release()

			if err := drv.Create(ctx, keys); err != nil {
				return err
			}

			return ingestMatches(ctx, drv, pattern)
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "o", false, "overwrite an existing database file")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <pattern>",
		Short: "Register every file matching pattern into an existing database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := parseKeyPattern(args[0])
			if err != nil {
				return err
			}
			drv := driver.NewLocal(dbPath)
			defer drv.Close()
			ctx := context.Background()

			release, err := drv.Connect(ctx)
			if err != nil {
				return err
			}
			defer release()

			return ingestMatches(ctx, drv, pattern)
		},
	}
}

func ingestMatches(ctx context.Context, drv *driver.Local, pattern *keyPattern) error {
	matches, err := filepath.Glob(pattern.glob)
	if err != nil {
		return fmt.Errorf("expand pattern %q: %w", pattern.glob, err)
	}
	if len(matches) == 0 {
		slog.Warn("no files matched pattern", "pattern", pattern.glob)
		return nil
	}

	for _, path := range matches {
		keyValues, ok := pattern.match(path)
		if !ok {
			slog.Warn("skipping file that does not match key pattern", "path", path)
			continue
		}

		warnings := make(chan string, 8)
		insertErr := drv.Insert(ctx, keyValues, path, driver.InsertOptions{Warnings: warnings})
		close(warnings)
		for w := range warnings {
			slog.Warn(w, "path", path)
		}
		if insertErr != nil {
			slog.Error("failed to insert dataset", "path", path, "error", insertErr)
			continue
		}
		slog.Info("registered dataset", "path", path, "keys", keyValues)
	}
	return nil
}

func ingestCmd() *cobra.Command {
	var keyValuesFlag string
	var skipMetadata bool
	var metadataFlag string
	var overridePath string
	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Register a single raster file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if keyValuesFlag == "" {
				return fmt.Errorf("--keys is required, e.g. --keys us,red")
			}
			keyValues := strings.Split(keyValuesFlag, ",")

			userMetadata, err := parseMetadataFlag(metadataFlag)
			if err != nil {
				return err
			}

			drv := driver.NewLocal(dbPath)
			defer drv.Close()
			ctx := context.Background()

			release, err := drv.Connect(ctx)
			if err != nil {
				return err
			}
			defer release()

			warnings := make(chan string, 8)
			opts := driver.InsertOptions{
				SkipMetadata: skipMetadata,
				Metadata:     userMetadata,
				OverridePath: overridePath,
				Warnings:     warnings,
			}
			insertErr := drv.Insert(ctx, keyValues, path, opts)
			close(warnings)
			for w := range warnings {
				slog.Warn(w, "path", path)
			}
			if insertErr != nil {
				return insertErr
			}
			slog.Info("registered dataset", "path", path, "keys", keyValues)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyValuesFlag, "keys", "", "comma-separated key values, in declared key order")
	cmd.Flags().BoolVar(&skipMetadata, "skip-metadata", false, "register the path without computing statistics")
	cmd.Flags().StringVar(&metadataFlag, "metadata", "", "comma-separated key=value pairs merged into the dataset's opaque metadata blob")
	cmd.Flags().StringVar(&overridePath, "override-path", "", "store this path instead of the one statistics were computed from")
	return cmd
}

// parseMetadataFlag turns "a=1,b=2" into a map, or nil for an empty flag.
func parseMetadataFlag(flag string) (map[string]string, error) {
	if flag == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(flag, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("--metadata entry %q is not in key=value form", pair)
		}
		out[k] = v
	}
	return out, nil
}

func serveCheckCmd() *cobra.Command {
	var keyValuesFlag string
	var z, x, y, tileSize int
	var nodata float64
	cmd := &cobra.Command{
		Use:   "serve-check",
		Short: "Fetch one tile through the full pipeline as a smoke test",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyValuesFlag == "" {
				return fmt.Errorf("--keys is required, e.g. --keys us,red")
			}
			keyValues := strings.Split(keyValuesFlag, ",")

			settingsValues, err := settings.Load()
			if err != nil {
				return err
			}

			drv := driver.NewLocal(dbPath)
			defer drv.Close()

			cache, err := tilecache.New(settingsValues.RasterCacheSize)
			if err != nil {
				return err
			}
			engine := tileengine.New(drv, cache, settingsValues.ResamplingMethod)

			bounds := raster.Bounds(tileengine.TileBounds(z, x, y))
			tile, err := engine.GetTile(context.Background(), keyValues, &bounds, tileSize, tileSize, nodata)
			if err != nil {
				return err
			}
			slog.Info("fetched tile", "keys", keyValues, "z", z, "x", x, "y", y, "width", tile.Width, "height", tile.Height)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyValuesFlag, "keys", "", "comma-separated key values, in declared key order")
	cmd.Flags().IntVar(&z, "z", 0, "tile zoom level")
	cmd.Flags().IntVar(&x, "x", 0, "tile column")
	cmd.Flags().IntVar(&y, "y", 0, "tile row")
	cmd.Flags().IntVar(&tileSize, "size", 256, "output tile size in pixels")
	cmd.Flags().Float64Var(&nodata, "nodata", 0, "nodata sentinel to use for the fetched tile")
	return cmd
}
