package cmd

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tsbridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing tsbridge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  tsbridge config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, ~/.tsbridge/config.yaml, /etc/tsbridge/config.yaml)
  - Environment variables (TSBRIDGE_SERVER_PORT, TSBRIDGE_FILTER_ENGINE, etc.)
  - Command-line flags (for some options)

Environment variables use the TSBRIDGE_ prefix and underscores for nesting.
Example: network.read_timeout -> TSBRIDGE_NETWORK_READ_TIMEOUT`,
	RunE: runConfigDump,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after merging the config file, environment
variables and flags, in YAML format.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configShowCmd)
}

// toMap converts a struct to a map, formatting durations and sizes for human readability.
func toMap(v any) map[string]any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	result := make(map[string]any, val.NumField())
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		result[key] = toValue(field)
	}
	return result
}

func toValue(field reflect.Value) any {
	switch v := field.Interface().(type) {
	case time.Duration:
		return v.String()
	case config.ByteSize:
		return v.String()
	}

	switch field.Kind() {
	case reflect.Struct:
		return toMap(field.Interface())
	case reflect.Map:
		out := make(map[string]any, field.Len())
		keys := field.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			out[k.String()] = toValue(field.MapIndex(k))
		}
		return out
	default:
		return field.Interface()
	}
}

func writeYAML(w io.Writer, cfg *config.Config) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_, err = w.Write(yamlData)
	return err
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	// Defaults only: a fresh viper sees no file and no environment.
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# tsbridge Configuration File")
	fmt.Fprintln(out, "# ============================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# All values shown below are defaults.")
	fmt.Fprintln(out, "# Duration format: 500ms, 30s, 5m")
	fmt.Fprintln(out, "# Size format: 64KB, 8MB")
	fmt.Fprintln(out, "# Buffers are counted in 188-byte TS packets.")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   TSBRIDGE_SERVER_HOST, TSBRIDGE_SERVER_PORT")
	fmt.Fprintln(out, "#   TSBRIDGE_FILTER_ENGINE, TSBRIDGE_FILTER_DEFAULT_ARGS")
	fmt.Fprintln(out, "#   TSBRIDGE_NETWORK_READ_TIMEOUT, TSBRIDGE_BUFFERS_OUTPUT_PACKETS")
	fmt.Fprintln(out, "#   TSBRIDGE_LOGGING_LEVEL, TSBRIDGE_LOGGING_FORMAT")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Channels are named sources for /stream/{name}:")
	fmt.Fprintln(out, "#   channels:")
	fmt.Fprintln(out, "#     nhk:")
	fmt.Fprintln(out, "#       url: http://mirakurun:40772/api/services/3239123608/stream")
	fmt.Fprintln(out, `#       args: "-x 18/38/39 -n -1"`)
	fmt.Fprintln(out, "")

	return writeYAML(out, cfg)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return writeYAML(cmd.OutOrStdout(), cfg)
}
