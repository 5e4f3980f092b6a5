package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/vodproxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing vodproxy configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

With no config file this shows every option with its default value, and
can be redirected to create a configuration template:

  vodproxy config dump > config.yaml

Environment variables use the VODPROXY_ prefix and underscores for nesting.
Example: server.port -> VODPROXY_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags,
// formatting durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = fv
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	// Read skips validation so a template can be produced before secrets exist.
	cfg, err := config.Read(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# vodproxy Configuration File")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(out, "# Secrets (auth.jwt_secret, signing.secret) are best set via")
	fmt.Fprintln(out, "#   VODPROXY_AUTH_JWT_SECRET and VODPROXY_SIGNING_SECRET")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(yamlData))
	return nil
}
