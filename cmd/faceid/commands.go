package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/faceid/pkg/api"
	"github.com/MrCodeEU/faceid/pkg/corpus"
	"github.com/MrCodeEU/faceid/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Train up front so the first request does not pay for it.
		stats, err := a.engine.Train(ctx)
		if err != nil {
			return fmt.Errorf("initial training failed: %w", err)
		}
		logging.Infof("Serving %d sample(s) of %d identities", stats.Samples, stats.Identities)

		var j api.Journal
		if a.journal != nil {
			j = a.journal
		}
		return api.NewServer(a.engine, j, cfg.Server).ListenAndServe(ctx)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <name> <image>...",
	Short: "Add training images for a person",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, files := args[0], args[1:]

		raws := make([][]byte, len(files))
		for i, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", f, err)
			}
			raws[i] = data
		}

		a, err := openApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.engine.Ingest(cmd.Context(), name, raws)
		if errors.Is(err, corpus.ErrInvalidName) {
			return err
		}
		for _, f := range report.Failed {
			fmt.Printf("  ✗ %s: %v\n", files[f.Index], f.Err)
		}
		fmt.Printf("Stored %d of %d image(s) for '%s'.\n", len(report.Stored), len(files), name)
		if len(report.Stored) == 0 {
			return fmt.Errorf("no image could be ingested")
		}
		return nil
	},
}

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>",
	Short: "Identify the person in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		a, err := openApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.engine.Recognize(cmd.Context(), data)
		if err != nil {
			return err
		}
		if result.IsRecognized {
			fmt.Printf("Recognized: %s\n", result.Name)
		} else {
			fmt.Println("Not recognized.")
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Register every person found in a directory",
	Long: `Import walks dir and ingests its images. Images inside a sub-directory
are registered under the directory's name; images at the top level are
registered under the part of the file name before the first '_'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batches, err := collectImports(args[0])
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			fmt.Println("No images found.")
			return nil
		}

		a, err := openApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		total := 0
		for _, b := range batches {
			total += len(b.files)
		}

		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Importing faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)

		stored, failed := 0, 0
		for _, b := range batches {
			raws := make([][]byte, 0, len(b.files))
			for _, f := range b.files {
				data, err := os.ReadFile(f)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", f, err)
				}
				raws = append(raws, data)
			}

			report, err := a.engine.Ingest(cmd.Context(), b.name, raws)
			if err != nil {
				logging.WithError(err).Warnf("Import of %s incomplete", b.name)
			}
			stored += len(report.Stored)
			failed += len(b.files) - len(report.Stored)
			_ = bar.Add(len(b.files))
		}
		_ = bar.Finish()

		fmt.Printf("\nImported %d image(s) for %d person(s), %d failed.\n", stored, len(batches), failed)
		return nil
	},
}

type importBatch struct {
	name  string
	files []string
}

// collectImports groups the images below dir by person.
func collectImports(dir string) ([]importBatch, error) {
	byName := make(map[string][]string)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isImageFile(p) {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		var name string
		if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) > 1 {
			name = parts[0]
		} else {
			name, err = corpus.ParseName(d.Name())
			if err != nil {
				logging.WithError(err).Warnf("Skipping %s", p)
				return nil
			}
		}
		byName[name] = append(byName[name], p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	batches := make([]importBatch, 0, len(byName))
	for name, files := range byName {
		sort.Strings(files)
		batches = append(batches, importBatch{name: name, files: files})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].name < batches[j].name })
	return batches, nil
}

func isImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff", ".webp":
		return true
	}
	return false
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered people",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := corpus.Open(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open corpus: %w", err)
		}

		images, err := store.Enumerate(cmd.Context())
		if err != nil {
			return err
		}
		if len(images) == 0 {
			fmt.Println("No people registered.")
			return nil
		}

		counts := make(map[string]int)
		var names []string
		for _, img := range images {
			if counts[img.Name] == 0 {
				names = append(names, img.Name)
			}
			counts[img.Name]++
		}
		sort.Strings(names)

		fmt.Println("Registered people:")
		for _, name := range names {
			fmt.Printf("  - %s (%d image(s))\n", name, counts[name])
		}
		fmt.Printf("\nTotal: %d person(s), %d image(s)\n", len(names), len(images))
		return nil
	},
}
