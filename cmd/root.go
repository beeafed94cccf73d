package cmd

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/matchflow/internal/artifacts"
	"github.com/spigell/matchflow/internal/corpus/headhunter"
	"github.com/spigell/matchflow/internal/intake"
	"github.com/spigell/matchflow/internal/pipeline"
)

const (
	app       = "matchflow"
	envPrefix = "MATCHFLOW"
)

type Config struct {
	pipeline.Config `mapstructure:",squash"`

	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      intake.Config   `mapstructure:"http"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	AI        AIConfig        `mapstructure:"ai"`
	Corpus    CorpusConfig    `mapstructure:"corpus"`
}

type DatabaseConfig struct {
	// Driver is memory or postgres.
	Driver       string        `mapstructure:"driver"`
	URL          string        `mapstructure:"url"`
	URLFile      string        `mapstructure:"url-file"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`
}

type ArtifactsConfig struct {
	Root     string `mapstructure:"root"`
	MaxBytes int64  `mapstructure:"max-bytes"`
}

type AIConfig struct {
	// Provider is local or gemini.
	Provider string        `mapstructure:"provider"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey       string `mapstructure:"api-key"`
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type CorpusConfig struct {
	Token     string                  `mapstructure:"token"`
	TokenFile string                  `mapstructure:"token-file"`
	UserAgent string                  `mapstructure:"user-agent"`
	Search    headhunter.SearchParams `mapstructure:"search"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "matchflow keeps user profiles in sync, scores jobs against resumes and sends daily digests",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is matchflow.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	setDefaults()
}

func setDefaults() {
	viper.SetDefault("schedule", true)

	viper.SetDefault("database.driver", "memory")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.url-file", "")
	viper.SetDefault("database.query-timeout", 5*time.Second)

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("http.body-limit", 1<<20)

	viper.SetDefault("artifacts.root", "./artifacts")
	viper.SetDefault("artifacts.max-bytes", artifacts.DefaultMaxBytes)

	viper.SetDefault("ai.provider", "local")
	viper.SetDefault("ai.gemini.api-key", "")
	viper.SetDefault("ai.gemini.api-key-file", "")
	viper.SetDefault("ai.gemini.model", "")
	viper.SetDefault("ai.gemini.max-log-length", 500)

	viper.SetDefault("corpus.token", "")
	viper.SetDefault("corpus.token-file", "")
	viper.SetDefault("corpus.user-agent", "")

	viper.SetDefault("dispatcher.max-attempts", 5)
	viper.SetDefault("dispatcher.base-backoff", time.Second)
	viper.SetDefault("dispatcher.max-backoff", 5*time.Minute)
	viper.SetDefault("dispatcher.handler-timeout", 2*time.Minute)
	viper.SetDefault("dispatcher.workers", 8)

	viper.SetDefault("resumes.summary-timeout", 30*time.Second)
	viper.SetDefault("resumes.summary-attempts", 3)
	viper.SetDefault("resumes.summary-backoff", 2*time.Second)

	viper.SetDefault("matching.chunk-size", 500)

	viper.SetDefault("digest.min-score", 0.5)
	viper.SetDefault("digest.top-n", 10)
	viper.SetDefault("digest.page-size", 100)
	viper.SetDefault("digest.concurrency", 8)
	viper.SetDefault("digest.hour", 8)
	viper.SetDefault("digest.time-zone", "UTC")
}

func initConfig() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("loading .env: %v", err)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		// An explicit config must be readable.
		if err := viper.ReadInConfig(); err != nil {
			log.Fatal(err)
		}
		return
	}

	viper.AddConfigPath(".")
	viper.SetConfigName(app)
	viper.SetConfigType("yaml")

	var notFound viper.ConfigFileNotFoundError
	if err := viper.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}
