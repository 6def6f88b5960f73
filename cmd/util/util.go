package util

import (
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/tKV/lib/db/engines/birch"
	"github.com/ValentinKolb/tKV/lib/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("tkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// InitLogging sets up all loggers with the configured log level
func InitLogging() error {
	return logging.InitLoggers(viper.GetString("log-level"))
}

// SetupEngineFlags adds the flags configuring the birch engine to a command
func SetupEngineFlags(cmd *cobra.Command) {
	key := "options"
	cmd.PersistentFlags().String(key, "", WrapString("Path to a YAML file with engine options. Flags that are set explicitly override its values"))

	key = "btree-degree"
	cmd.PersistentFlags().Int(key, 32, WrapString("Degree of the B-tree of each index"))

	key = "gc-interval"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Time between garbage collection rounds (0 = engine default)"))

	key = "max-active-txns"
	cmd.PersistentFlags().Int(key, 0, WrapString("Maximum number of concurrently active transactions (0 = unlimited)"))

	key = "max-text-key-len"
	cmd.PersistentFlags().Int(key, 128, WrapString("Maximum length of text keys in bytes (0 = unlimited)"))
}

// GetEngineOptions reads the birch options from the options file and viper
func GetEngineOptions(cmd *cobra.Command) (*birch.Options, error) {
	opts := birch.DefaultOptions()

	if path := viper.GetString("options"); path != "" {
		loaded, err := birch.LoadOptions(path)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}

	// the file provides the base, explicit flags and env variables win over it
	override := func(key string) bool {
		return viper.GetString("options") == "" || cmd.Flags().Changed(key) || envSet(key)
	}
	if override("btree-degree") {
		opts.BTreeDegree = viper.GetInt("btree-degree")
	}
	if override("gc-interval") {
		if d := viper.GetDuration("gc-interval"); d > 0 {
			opts.GCInterval = d
		}
	}
	if override("max-active-txns") {
		opts.MaxActiveTxns = viper.GetInt("max-active-txns")
	}
	if override("max-text-key-len") {
		opts.MaxTextKeyLen = viper.GetInt("max-text-key-len")
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	return opts, nil
}

// envSet reports whether the environment variable of a flag is set
func envSet(key string) bool {
	_, ok := os.LookupEnv("TKV_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_")))
	return ok
}
