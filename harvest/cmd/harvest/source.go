package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/sprout/harvest/internal/models"
	"github.com/telhawk-systems/sprout/harvest/internal/output"
	"github.com/telhawk-systems/sprout/harvest/internal/repository"
)

// importEntry is one source in an import file.
type importEntry struct {
	URL      string           `yaml:"url"`
	Venue    string           `yaml:"venue"`
	Location *models.Location `yaml:"location"`
}

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage harvested sources",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Register a source URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		venue, _ := cmd.Flags().GetString("venue")
		entry := importEntry{URL: args[0], Venue: venue}

		latSet, lngSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lng")
		if latSet != lngSet {
			return fmt.Errorf("--lat and --lng must be given together")
		}
		if latSet {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lng, _ := cmd.Flags().GetFloat64("lng")
			entry.Location = &models.Location{Lat: lat, Lng: lng}
		}

		src, err := entry.source(models.OriginManual)
		if err != nil {
			return err
		}
		return withRepo(cmd, func(ctx context.Context, repo repository.Repository, p *output.Printer) error {
			created, err := repo.UpsertSource(ctx, src)
			if err != nil {
				return fmt.Errorf("register source: %w", err)
			}
			if created {
				p.Success("registered %s (%s)", src.URL, src.ID)
			} else {
				p.Info("already registered: %s (%s)", src.URL, src.ID)
			}
			return nil
		})
	},
}

var sourceImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Register sources from a YAML file",
	Long: `Register every source listed in a YAML file. The file is either a list
of entries or a mapping with a "sources" key:

  sources:
    - url: https://library.example.org/kids/events
      venue: Central Library
      location: {lat: 37.77, lng: -122.42}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}
		entries, err := parseImport(data)
		if err != nil {
			return err
		}

		return withRepo(cmd, func(ctx context.Context, repo repository.Repository, p *output.Printer) error {
			var created, existing, invalid int
			for _, e := range entries {
				src, err := e.source(models.OriginImport)
				if err != nil {
					p.Warn("skipping %q: %v", e.URL, err)
					invalid++
					continue
				}
				isNew, err := repo.UpsertSource(ctx, src)
				if err != nil {
					return fmt.Errorf("register %s: %w", src.URL, err)
				}
				if isNew {
					created++
				} else {
					existing++
				}
			}
			p.Success("imported %d sources (%d new, %d existing, %d invalid)", len(entries), created, existing, invalid)
			return nil
		})
	},
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		return withRepo(cmd, func(ctx context.Context, repo repository.Repository, p *output.Printer) error {
			sources, err := repo.ListSources(ctx)
			if err != nil {
				return fmt.Errorf("list sources: %w", err)
			}
			if format == "json" {
				return p.JSON(sources)
			}
			if len(sources) == 0 {
				p.Info("No sources registered")
				return nil
			}
			sourceTable(sources).Render(p.Out)
			return nil
		})
	},
}

func init() {
	sourceAddCmd.Flags().String("venue", "", "venue name used as the geocoding hint")
	sourceAddCmd.Flags().Float64("lat", 0, "known latitude of the venue")
	sourceAddCmd.Flags().Float64("lng", 0, "known longitude of the venue")
	sourceListCmd.Flags().StringP("output", "o", "table", "output format: table or json")

	sourceCmd.AddCommand(sourceAddCmd, sourceImportCmd, sourceListCmd)
	rootCmd.AddCommand(sourceCmd)
}

func withRepo(cmd *cobra.Command, fn func(ctx context.Context, repo repository.Repository, p *output.Printer) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, storeKind)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a.repo, output.New(cmd.OutOrStdout(), cmd.ErrOrStderr()))
}

// parseImport accepts either a bare list of entries or a "sources" mapping.
func parseImport(data []byte) ([]importEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []importEntry
	if err := yaml.Unmarshal(trimmed, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Sources []importEntry `yaml:"sources"`
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("parse import file: %w", err)
	}
	return doc.Sources, nil
}

func (e importEntry) source(origin string) (*models.Source, error) {
	src, err := models.NewSource(e.URL, e.Venue, origin)
	if err != nil {
		return nil, err
	}
	if e.Location != nil {
		loc := *e.Location
		src.KnownLocation = &loc
	}
	return src, nil
}

func sourceTable(sources []*models.Source) *output.Table {
	table := output.NewTable([]string{"ID", "URL", "Venue", "Origin", "Events", "Last Processed"})
	for _, s := range sources {
		last := "never"
		if s.LastProcessedAt != nil {
			last = s.LastProcessedAt.UTC().Format(time.RFC3339)
		}
		table.AddRow([]string{
			s.ID,
			s.URL,
			s.VenueHint,
			s.Origin,
			strconv.Itoa(s.LastEventCount),
			last,
		})
	}
	return table
}
