package cmd

import (
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"model-resolver/internal/helpers"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the global storage catalog and resolution history",
}

var catalogRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a refresh of the global storage catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		snap, err := app.global.Catalog(cmd.Context(), true)
		if err != nil {
			return err
		}
		total := 0
		for _, files := range snap.Structure {
			total += len(files)
		}
		log.Infof("Catalog refreshed: %d categories, %d files", len(snap.Structure), total)
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the cached global storage catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		snap, err := app.global.Catalog(cmd.Context(), false)
		if err != nil {
			return err
		}

		categories := make([]string, 0, len(snap.Structure))
		for category := range snap.Structure {
			categories = append(categories, category)
		}
		sort.Strings(categories)

		for _, category := range categories {
			fmt.Printf("%s/\n", category)
			files := snap.Structure[category]
			names := make([]string, 0, len(files))
			for name := range files {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %-60s %10s\n", name, helpers.BytesToSize(uint64(files[name].Size)))
			}
		}
		return nil
	},
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the provenance registry of resolved models",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		entries, err := app.registry.Find(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, entry := range entries {
			fmt.Printf("%s\n  source: %s  identifier: %s  resolved: %s\n",
				entry.Path, entry.Source, entry.Identifier, entry.ResolvedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var catalogHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent resolution outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		entries, err := app.db.Sessions()
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })

		for _, entry := range entries {
			line := fmt.Sprintf("%s  %-18s %s", time.Unix(entry.Timestamp, 0).Format(time.RFC3339),
				entry.Status, entry.ModelName)
			if entry.Path != "" {
				line += " -> " + entry.Path
			}
			if entry.Error != "" {
				line += "  (" + entry.Error + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogRefreshCmd, catalogListCmd, catalogSearchCmd, catalogHistoryCmd)
	rootCmd.AddCommand(catalogCmd)
}
