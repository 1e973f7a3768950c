// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command depoctl is the operator CLI for the deposition dispatch core: a
// cobra root command with global configuration flags and a handful of
// subcommands. There is no remote RPC surface, so every subcommand operates
// directly against the Archive Store's on-disk state rather than a running
// depo-server process.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssande7/pytf-web/internal/archive"
	"github.com/ssande7/pytf-web/internal/depoconfig"
	"github.com/ssande7/pytf-web/pkg/config"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	archiveDir string
	outputFmt  string

	rootCmd = &cobra.Command{
		Use:   "depoctl",
		Short: "Operator CLI for the deposition dispatch core",
		Long:  `depoctl inspects and manages the on-disk archive of deposition jobs.`,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().StringVar(&archiveDir, "archive-dir", "", "archive directory (env: DEPO_ARCHIVE_DIR)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "output format: table, json")

	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)

	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveInspectCmd)
	archiveCmd.AddCommand(archiveRemoveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig builds a *config.Config in three layers: defaults, then
// environment overlay, then command-line flag overrides.
func loadConfig() *config.Config {
	cfg := config.NewDefault()
	cfg.Load()
	if archiveDir != "" {
		cfg.ArchiveDir = archiveDir
	}
	return cfg
}

func openStore() (*archive.Store, error) {
	cfg := loadConfig()
	return archive.NewStore(cfg.ArchiveDir)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("depoctl version %s\n", Version)
		if BuildTime != "" {
			fmt.Printf("Build Time: %s\n", BuildTime)
		}
		if Commit != "" {
			fmt.Printf("Commit:     %s\n", Commit)
		}
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and manage archived jobs",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every job name with an archive file on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		entries, err := os.ReadDir(cfg.ArchiveDir)
		if err != nil {
			if os.IsNotExist(err) {
				return printOutput([]string{})
			}
			return fmt.Errorf("reading archive directory: %w", err)
		}

		var names []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".archive") {
				continue
			}
			names = append(names, strings.TrimSuffix(e.Name(), ".archive"))
		}
		sort.Strings(names)
		return printOutput(names)
	},
}

// archiveSummary is the inspected subset of a Job's persisted state
// depoctl can show an operator without a live scheduler.
type archiveSummary struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	LatestSegment int    `json:"latest_segment"`
	NCycles       int    `json:"n_cycles"`
}

var archiveInspectCmd = &cobra.Command{
	Use:   "inspect <job-name>",
	Short: "Show the persisted status and progress of one archived job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return fmt.Errorf("opening archive store: %w", err)
		}

		name := args[0]
		_, latestSegment, status, ok, err := store.Load(depoconfig.Deposition{
			Name:    name,
			NCycles: depoconfig.DepositionSteps,
		})
		if err != nil {
			return fmt.Errorf("loading archive for %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("no archive found for job %q", name)
		}

		return printOutput(archiveSummary{
			Name:          name,
			Status:        status.Kind.String(),
			LatestSegment: latestSegment,
			NCycles:       depoconfig.DepositionSteps,
		})
	},
}

var archiveRemoveCmd = &cobra.Command{
	Use:   "rm <job-name>",
	Short: "Delete one job's archive file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return fmt.Errorf("opening archive store: %w", err)
		}
		if err := store.Remove(args[0]); err != nil {
			return fmt.Errorf("removing archive for %s: %w", args[0], err)
		}
		fmt.Printf("removed archive for %s\n", args[0])
		return nil
	},
}

// archiveDirStats summarises the archive directory as a whole: how many
// jobs are persisted and the total bytes they occupy on disk.
type archiveDirStats struct {
	JobCount  int       `json:"job_count"`
	TotalSize int64     `json:"total_bytes"`
	Newest    time.Time `json:"newest_mod_time,omitempty"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise the archive directory's contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		entries, err := os.ReadDir(cfg.ArchiveDir)
		if err != nil {
			if os.IsNotExist(err) {
				return printOutput(archiveDirStats{})
			}
			return fmt.Errorf("reading archive directory: %w", err)
		}

		var stats archiveDirStats
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".archive") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			stats.JobCount++
			stats.TotalSize += info.Size()
			if info.ModTime().After(stats.Newest) {
				stats.Newest = info.ModTime()
			}
		}
		return printOutput(stats)
	},
}

// printOutput renders v as a table (best-effort) or JSON, mirroring the
// teacher's --output table/json/yaml dispatch (minus yaml, which nothing
// here needs).
func printOutput(v any) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			fmt.Println("(no archived jobs)")
			return nil
		}
		for _, name := range val {
			fmt.Println(name)
		}
	case archiveSummary:
		fmt.Printf("name:           %s\n", val.Name)
		fmt.Printf("status:         %s\n", val.Status)
		fmt.Printf("latest_segment: %d / %d\n", val.LatestSegment, val.NCycles)
	case archiveDirStats:
		fmt.Printf("job_count:   %d\n", val.JobCount)
		fmt.Printf("total_bytes: %d\n", val.TotalSize)
		if !val.Newest.IsZero() {
			fmt.Printf("newest:      %s\n", val.Newest.Format(time.RFC3339))
		}
	default:
		fmt.Printf("%v\n", val)
	}
	return nil
}
