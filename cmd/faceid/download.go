package main

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/faceid/pkg/logging"
)

type modelFile struct {
	Name       string
	URL        string
	Compressed bool
}

const pigoCascadeURL = "https://raw.githubusercontent.com/esimov/pigo/master/cascade/facefinder"

var dlibModels = []modelFile{
	{
		Name:       "shape_predictor_5_face_landmarks.dat",
		URL:        "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
		Compressed: true,
	},
	{
		Name:       "dlib_face_recognition_resnet_model_v1.dat",
		URL:        "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
		Compressed: true,
	},
	{
		Name:       "mmod_human_face_detector.dat",
		URL:        "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
		Compressed: true,
	},
}

var downloadModelsCmd = &cobra.Command{
	Use:   "download-models [dir]",
	Short: "Download face detection models",
	Long: `Download the pigo facefinder cascade, and the dlib models when the dlib
backend is selected. Files are stored in detection.model_path unless dir
is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modelDir := cfg.Detection.ModelPath
		if len(args) > 0 {
			modelDir = args[0]
		}

		models := []modelFile{{
			Name: filepath.Base(cfg.Detection.CascadePath),
			URL:  pigoCascadeURL,
		}}
		if cfg.Detection.Backend == "dlib" {
			models = append(models, dlibModels...)
		}
		return downloadModels(cmd.Context(), modelDir, models)
	},
}

func downloadModels(ctx context.Context, modelDir string, models []modelFile) error {
	logging.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	for _, model := range models {
		targetPath := filepath.Join(modelDir, model.Name)
		if _, err := os.Stat(targetPath); err == nil {
			logging.Infof("Model %s already exists, skipping", model.Name)
			continue
		}

		logging.Infof("Downloading %s...", model.Name)
		if err := download(ctx, client, model, targetPath); err != nil {
			return fmt.Errorf("failed to download %s: %w", model.Name, err)
		}
		logging.Infof("Successfully downloaded %s", model.Name)
	}

	logging.Infof("All models downloaded successfully!")
	return nil
}

// download fetches model into targetPath. A partial file never replaces
// the target.
func download(ctx context.Context, client *http.Client, model modelFile, targetPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, model.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	out, err := os.CreateTemp(filepath.Dir(targetPath), ".download-*")
	if err != nil {
		return err
	}
	tmpPath := out.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	var src io.Reader = resp.Body
	if model.Compressed {
		src = bzip2.NewReader(resp.Body)
	}

	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, targetPath)
}
