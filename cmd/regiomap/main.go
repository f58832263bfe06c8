package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/openregio/regiomap/internal/arcgis"
	"github.com/openregio/regiomap/internal/catalog"
	"github.com/openregio/regiomap/internal/config"
	"github.com/openregio/regiomap/internal/coord"
	"github.com/openregio/regiomap/internal/query"
)

// buildDeps wires the client, catalog, and query engine from config.
func buildDeps(cfgPath string) (*catalog.Catalog, *query.Engine, error) {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := arcgis.NewClient(cfg.RequestTimeout)
	cat := catalog.New(client, cfg, log)
	engine := query.NewEngine(client, cat, cfg, log)
	return cat, engine, nil
}

// resolveLayers maps layer ids to catalog layers, loading the catalog first.
func resolveLayers(ctx context.Context, cat *catalog.Catalog, ids []string) ([]catalog.Layer, error) {
	if _, err := cat.LoadAllLayers(ctx); err != nil {
		return nil, err
	}
	layers := make([]catalog.Layer, 0, len(ids))
	for _, id := range ids {
		layer, ok := cat.Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown layer id %q, try 'regiomap catalog list'", id)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func main() {
	var cfgPath string
	var asJSON bool

	root := &cobra.Command{
		Use:     "regiomap",
		Short:   "Regional map layer catalog and feature queries",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "Output as JSON")

	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the layer catalog",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all layers grouped by service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, _, err := buildDeps(cfgPath)
			if err != nil {
				return err
			}
			layers, err := cat.LoadAllLayers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(layers)
			}
			for _, group := range catalog.GroupByService(layers) {
				fmt.Printf("%s\n", group.Service)
				for _, l := range group.Layers {
					fmt.Printf("  %-40s %-8s %s\n", l.ID, l.GeomKind, l.Name)
				}
			}
			return nil
		},
	}

	catSearchCmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find layers by name, description, or service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, _, err := buildDeps(cfgPath)
			if err != nil {
				return err
			}
			layers, err := cat.LoadAllLayers(cmd.Context())
			if err != nil {
				return err
			}
			matches := catalog.SearchLayers(layers, args[0])
			if asJSON {
				return printJSON(matches)
			}
			for _, l := range matches {
				fmt.Printf("%-40s %-8s %s (%s)\n", l.ID, l.GeomKind, l.Name, l.ServiceName)
			}
			return nil
		},
	}
	catalogCmd.AddCommand(listCmd, catSearchCmd)

	searchCmd := &cobra.Command{
		Use:   "search <text> --layer <id> [--layer <id> ...]",
		Short: "Search features across the given layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layerIDs, _ := cmd.Flags().GetStringArray("layer")
			if len(layerIDs) == 0 {
				return fmt.Errorf("at least one --layer is required")
			}
			cat, engine, err := buildDeps(cfgPath)
			if err != nil {
				return err
			}
			layers, err := resolveLayers(cmd.Context(), cat, layerIDs)
			if err != nil {
				return err
			}
			res, err := engine.SearchFeatures(cmd.Context(), layers, query.SearchOptions{Text: args[0]})
			if err != nil {
				return err
			}
			return printOutcome(res.Results, res.Errors, asJSON)
		},
	}
	searchCmd.Flags().StringArray("layer", nil, "Layer id to search (repeatable)")

	identifyCmd := &cobra.Command{
		Use:   "identify <lon> <lat> --layer <id> [--layer <id> ...]",
		Short: "Query features at a map location",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lon, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("reading longitude %q: %w", args[0], err)
			}
			lat, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("reading latitude %q: %w", args[1], err)
			}
			layerIDs, _ := cmd.Flags().GetStringArray("layer")
			if len(layerIDs) == 0 {
				return fmt.Errorf("at least one --layer is required")
			}
			cat, engine, err := buildDeps(cfgPath)
			if err != nil {
				return err
			}
			layers, err := resolveLayers(cmd.Context(), cat, layerIDs)
			if err != nil {
				return err
			}
			res, err := engine.QueryAtLocation(cmd.Context(), layers, query.LocationOptions{
				Point: orb.Point{lon, lat},
			})
			if err != nil {
				return err
			}
			return printOutcome(res.Results, res.Errors, asJSON)
		},
	}
	identifyCmd.Flags().StringArray("layer", nil, "Layer id to query (repeatable)")

	convertCmd := &cobra.Command{
		Use:   "convert <easting,northing>",
		Short: "Convert projected coordinates to longitude/latitude",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ok := coord.Parse(args[0])
			if !ok {
				return fmt.Errorf("could not read %q as easting/northing", args[0])
			}
			pt, err := coord.ToGeographic(p.Easting, p.Northing)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]float64{"lon": pt.Lon(), "lat": pt.Lat()})
			}
			fmt.Printf("%.6f, %.6f\n", pt.Lon(), pt.Lat())
			return nil
		},
	}

	root.AddCommand(catalogCmd, searchCmd, identifyCmd, convertCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printOutcome(results []query.Result, errs []query.LayerError, asJSON bool) error {
	if asJSON {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return printJSON(struct {
			Results []query.Result `json:"results"`
			Errors  []string       `json:"errors,omitempty"`
		}{results, msgs})
	}
	for _, r := range results {
		fmt.Printf("%-30s %s\n", r.DisplayName, r.LayerName)
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "warning: %v\n", e)
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
