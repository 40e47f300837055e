package config

import (
	"strings"
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Query budgets compile into the artifact; the server section rejects
// them so stale knobs fail loudly instead of silently doing nothing.
func TestUnmarshalExact_RejectsServerBudgetKeys(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")

	configYAML := `
server:
  port: 8080
  graphql_max_depth: 5
  graphql_max_complexity: 1000
`

	if err := v.ReadConfig(strings.NewReader(configYAML)); err != nil {
		t.Fatalf("failed to read config yaml: %v", err)
	}

	var cfg Config
	err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	)
	if err == nil {
		t.Fatal("expected unmarshal error for unknown budget keys")
	}
	if !strings.Contains(err.Error(), "graphql_max_depth") {
		t.Fatalf("expected error to mention graphql_max_depth, got: %v", err)
	}
}

func TestSetDefaults_CompilerOutputPairsWithServerArtifact(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	out := v.GetString("compiler.output_path")
	if out == "" {
		t.Fatal("expected a default compiler.output_path")
	}
	if got := v.GetString("server.artifact_path"); got != out {
		t.Fatalf("server.artifact_path default %q does not match compiler.output_path %q", got, out)
	}
}
