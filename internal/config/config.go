// Package config loads Anvil's runtime configuration: the environment
// variables spec.md §6 defines plus an optional anvil.yaml overlay,
// following the teacher's env-var-with-yaml-overlay loader shape
// (internal/config/loader.go in the retrieved reference) scaled down to
// Anvil's small, closed settings surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "ANVIL_"

// Config is the full set of settings a running anvild process needs.
// Most fields have an environment variable equivalent (see applyEnv);
// BasePrompt, ObservationThreshold, ReflectionThreshold and ShutdownTimeout
// do not. An anvil.yaml file at the workspace root can set the same keys
// and is overridden by the environment.
type Config struct {
	// Port is the transport's bind port. ANVIL_PORT, default 4200.
	Port int `yaml:"port"`

	// DB is the ledger's database path, or ":memory:". ANVIL_DB.
	DB string `yaml:"db"`

	// Workspace is the default run workspace root. ANVIL_WORKSPACE,
	// default the current working directory.
	Workspace string `yaml:"workspace"`

	// Model is the default model identifier for runs that omit one.
	// ANVIL_MODEL, default "anthropic/claude-sonnet-4-20250514".
	Model string `yaml:"model"`

	// AnthropicAPIKey authenticates the Anthropic provider. ANTHROPIC_API_KEY.
	AnthropicAPIKey string `yaml:"-"`

	// BasePrompt seeds the system prompt the Context Assembler builds on.
	BasePrompt string `yaml:"basePrompt"`

	// ObservationThreshold and ReflectionThreshold tune the Memory
	// Service; see spec.md §4.9.
	ObservationThreshold int `yaml:"observationThreshold"`
	ReflectionThreshold  int `yaml:"reflectionThreshold"`

	// ShutdownTimeout bounds how long Serve waits for in-flight requests
	// (including open SSE streams) to drain on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// ArtifactBackend selects the artifact.put tool's storage backend:
	// "local" (default) or "s3". ANVIL_ARTIFACT_BACKEND.
	ArtifactBackend string `yaml:"artifactBackend"`

	// ArtifactS3Bucket, ArtifactS3Region, ArtifactS3Endpoint and
	// ArtifactS3Prefix configure the S3 backend; ignored otherwise.
	ArtifactS3Bucket   string `yaml:"artifactS3Bucket"`
	ArtifactS3Region   string `yaml:"artifactS3Region"`
	ArtifactS3Endpoint string `yaml:"artifactS3Endpoint"`
	ArtifactS3Prefix   string `yaml:"artifactS3Prefix"`
}

func defaults() Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return Config{
		Port:            4200,
		DB:              "anvil.db",
		Workspace:       cwd,
		Model:           "anthropic/claude-sonnet-4-20250514",
		ShutdownTimeout: 10 * time.Second,
		ArtifactBackend: "local",
	}
}

// Load reads anvil.yaml from workspace (if present), then applies
// ANVIL_*/ANTHROPIC_API_KEY environment overrides, matching the
// precedence loader.go gives $include'd files versus the top-level
// document: environment always wins.
func Load(workspace string) (Config, error) {
	cfg := defaults()
	if workspace != "" {
		cfg.Workspace = workspace
	}

	yamlPath := filepath.Join(cfg.Workspace, "anvil.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv(envPrefix + "DB"); v != "" {
		cfg.DB = v
	}
	if v := os.Getenv(envPrefix + "WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv(envPrefix + "MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := os.Getenv(envPrefix + "ARTIFACT_BACKEND"); v != "" {
		cfg.ArtifactBackend = v
	}
	if v := os.Getenv(envPrefix + "ARTIFACT_S3_BUCKET"); v != "" {
		cfg.ArtifactS3Bucket = v
	}
	if v := os.Getenv(envPrefix + "ARTIFACT_S3_REGION"); v != "" {
		cfg.ArtifactS3Region = v
	}
	if v := os.Getenv(envPrefix + "ARTIFACT_S3_ENDPOINT"); v != "" {
		cfg.ArtifactS3Endpoint = v
	}
	if v := os.Getenv(envPrefix + "ARTIFACT_S3_PREFIX"); v != "" {
		cfg.ArtifactS3Prefix = v
	}
}

// UsesS3Artifacts reports whether ArtifactBackend selects the S3-backed
// artifact store.
func (c Config) UsesS3Artifacts() bool {
	return c.ArtifactBackend == "s3"
}

// InMemoryDB reports whether DB selects the non-durable in-memory ledger.
func (c Config) InMemoryDB() bool {
	return c.DB == "" || c.DB == ":memory:"
}
