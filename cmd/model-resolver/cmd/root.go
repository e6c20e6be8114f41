package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"model-resolver/internal/api"
	"model-resolver/internal/config"
	"model-resolver/internal/database"
	"model-resolver/internal/models"
	"model-resolver/internal/progress"
	"model-resolver/internal/registry"
	"model-resolver/internal/resolver"
	"model-resolver/internal/search"
	"model-resolver/internal/sources/civitai"
	"model-resolver/internal/sources/directurl"
	"model-resolver/internal/sources/gdrive"
	"model-resolver/internal/sources/globalcache"
	"model-resolver/internal/sources/huggingface"
)

var (
	cfgFile      string
	logLevelFlag string
	logApiFlag   bool
	basePathFlag string
)

// globalConfig holds the loaded configuration.
var globalConfig models.Config

// globalHttpTransport is the shared transport, wrapped for API logging when
// enabled.
var globalHttpTransport http.RoundTripper

var rootCmd = &cobra.Command{
	Use:   "model-resolver",
	Short: "Locate and download missing models from configured sources",
	Long: `model-resolver finds a requested model in the global storage cache,
on Hugging Face or on CivitAI (in that order), downloads it and places it
under the correct model directory. Explicit URLs and repository references
are resolved directly.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute runs the root command. Called once from main.
func Execute() {
	defer func() {
		if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
			if err := loggingTransport.Close(); err != nil {
				log.WithError(err).Error("Error closing API log file")
			}
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&basePathFlag, "base-path", "", "Root of the models directory tree (overrides config)")

	viper.SetEnvPrefix("MODEL_RESOLVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("base-path", rootCmd.PersistentFlags().Lookup("base-path"))
	_ = viper.BindPFlag("log-api", rootCmd.PersistentFlags().Lookup("log-api"))
}

func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(logLevelFlag)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", logLevelFlag)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if v := viper.GetString("base-path"); v != "" {
		globalConfig.BasePath = v
	}
	// Token env vars win over the config file so secrets can stay out of it.
	if v := viper.GetString("hf_token"); v != "" {
		globalConfig.HuggingFaceToken = v
	}
	if v := viper.GetString("civitai_token"); v != "" {
		globalConfig.CivitaiToken = v
	}
	config.ApplyDefaults(&globalConfig)

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if _, statErr := os.Stat(globalConfig.BasePath); statErr == nil {
			logFilePath = filepath.Join(globalConfig.BasePath, "api.log")
		}
		loggingTransport, ltErr := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if ltErr != nil {
			log.WithError(ltErr).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			log.Infof("API logging to file: %s", logFilePath)
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

// app bundles everything a command needs to run resolutions.
type app struct {
	cfg      models.Config
	store    *progress.Store
	cancels  *progress.CancelStore
	db       *database.DB
	registry *registry.Registry
	global   *globalcache.Client
	resolver *resolver.Resolver
}

func (a *app) Close() {
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			log.WithError(err).Warn("Error closing registry index")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.WithError(err).Warn("Error closing catalog database")
		}
	}
}

// newApp wires the source clients and stores from the loaded config.
func newApp() (*app, error) {
	apiClient := &http.Client{
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
		Transport: globalHttpTransport,
	}
	downloadClient := &http.Client{
		Timeout:   time.Duration(globalConfig.CopyTimeoutMinutes) * time.Minute,
		Transport: globalHttpTransport,
	}

	db, err := database.Open(globalConfig.CatalogDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	reg, err := registry.Open(globalConfig.RegistryIndexPath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening registry index: %w", err)
	}

	engine := search.NewScrapedEngine(apiClient)
	store := globalcache.NewCommandStore(globalConfig.CopyCommand, globalConfig.GlobalCacheBucket,
		time.Duration(globalConfig.CopyTimeoutMinutes)*time.Minute)
	global := globalcache.New(store, db, globalConfig.GlobalCachePrefix,
		time.Duration(globalConfig.CatalogTTLMinutes)*time.Minute)

	a := &app{
		cfg:      globalConfig,
		store:    progress.NewStore(),
		cancels:  progress.NewCancelStore(),
		db:       db,
		registry: reg,
		global:   global,
	}
	a.resolver = resolver.New(resolver.Options{
		BasePath:    globalConfig.BasePath,
		Overwrite:   globalConfig.Overwrite,
		Store:       a.store,
		Cancels:     a.cancels,
		DB:          db,
		Registry:    reg,
		GlobalCache: global,
		HuggingFace: huggingface.New(globalConfig.HuggingFaceToken, downloadClient, engine),
		Civitai:     civitai.New(globalConfig.CivitaiToken, downloadClient, engine),
		DirectURL:   directurl.New(downloadClient),
		// Drive gets its own client: the confirm flow attaches a cookie jar.
		GoogleDrive: gdrive.New(&http.Client{
			Timeout:   time.Duration(globalConfig.CopyTimeoutMinutes) * time.Minute,
			Transport: globalHttpTransport,
		}),
	})
	return a, nil
}
