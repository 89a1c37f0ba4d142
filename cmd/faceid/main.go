package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/faceid/pkg/config"
	"github.com/MrCodeEU/faceid/pkg/logging"
)

const version = "0.1.0"

var (
	cfg        *config.Config
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "faceid",
	Short: "Eigenface face identification service",
	Long: `faceid identifies people in photos against a corpus of labelled face
images. Faces are located, normalized to a canonical grayscale size and
matched with an eigenface (PCA) model that retrains whenever the corpus
changes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		serveCmd,
		ingestCmd,
		recognizeCmd,
		importCmd,
		listCmd,
		configCmd,
		downloadModelsCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.WithError(err).Debugf("Command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	// .env is optional
	_ = godotenv.Load()

	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		if configFile != "" {
			return fmt.Errorf("could not load config: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	cfg.ExpandPaths()

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
		cfg.Server.Debug = true
	}
	if err := logging.Init(logLevel, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("faceid v%s starting", version)
	logging.Debugf("Config loaded, storage backend: %s", cfg.Storage.Backend)

	return cfg.Validate()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("faceid v%s\n", version)
		fmt.Println("Eigenface face identification service")
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Current Configuration:")
		fmt.Println("======================")
		fmt.Println()
		fmt.Println("[Recognition]")
		fmt.Printf("  Threshold:       %.2f\n", cfg.Recognition.Threshold)
		fmt.Printf("  Face Size:       %dx%d\n", cfg.Recognition.FaceWidth, cfg.Recognition.FaceHeight)
		fmt.Printf("  Components:      %d\n", cfg.Recognition.Components)
		fmt.Printf("  Require Face:    %t\n", cfg.Recognition.RequireFace)
		fmt.Println()
		fmt.Println("[Detection]")
		fmt.Printf("  Backend:         %s\n", cfg.Detection.Backend)
		fmt.Printf("  Cascade:         %s\n", cfg.Detection.CascadePath)
		fmt.Printf("  Model Path:      %s\n", cfg.Detection.ModelPath)
		fmt.Printf("  Face Size Range: %d-%d\n", cfg.Detection.MinFaceSize, cfg.Detection.MaxFaceSize)
		fmt.Println()
		fmt.Println("[Storage]")
		fmt.Printf("  Backend:         %s\n", cfg.Storage.Backend)
		if cfg.Storage.Backend == "s3" {
			fmt.Printf("  Bucket:          %s\n", cfg.Storage.S3.Bucket)
			fmt.Printf("  Prefix:          %s\n", cfg.Storage.S3.Prefix)
			fmt.Printf("  Region:          %s\n", cfg.Storage.S3.Region)
		} else {
			fmt.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
			fmt.Printf("  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
		}
		fmt.Println()
		fmt.Println("[Server]")
		fmt.Printf("  Bind Address:    %s\n", cfg.Server.BindAddress)
		fmt.Printf("  Max Upload:      %d MB\n", cfg.Server.MaxUploadMB)
		fmt.Println()
		fmt.Println("[Journal]")
		fmt.Printf("  Enabled:         %t\n", cfg.Journal.Enabled)
		fmt.Printf("  Path:            %s\n", cfg.Journal.Path)
		fmt.Println()
		fmt.Println("[Logging]")
		fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
		fmt.Printf("  File:            %s\n", cfg.Logging.File)
	},
}
