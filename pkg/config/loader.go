package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Format identifies a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatOf picks the syntax from a file name. JSON is read as CUE.
func FormatOf(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue", ".json":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q (want .yaml, .yml, .cue or .json)", filepath.Ext(filename))
	}
}

// Load reads, schema-checks, decodes and validates a configuration file.
// An empty path yields the validated defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	format, err := FormatOf(path)
	if err != nil {
		return Config{}, err
	}

	cfg, err := Parse(content, path, format)
	if err != nil {
		return Config{}, err
	}

	log.Debug().
		Str("path", path).
		Str("format", string(format)).
		Str("user", cfg.Deployment.User).
		Str("repo", cfg.Deployment.RepoURL).
		Msg("Configuration loaded")

	return cfg, nil
}

// Parse decodes content over Default() and validates the result. filename
// is only used in error positions.
func Parse(content []byte, filename string, format Format) (Config, error) {
	parser, err := NewCUEParser()
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	switch format {
	case FormatYAML:
		cfg, err = decodeYAML(parser, content, filename, Default())
	case FormatCUE:
		cfg, err = parser.decodeCUE(content, filename, Default())
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

func decodeYAML(parser *CUEParser, content []byte, filename string, base Config) (Config, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return base, nil
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	if doc == nil {
		return base, nil
	}
	if err := parser.ValidateData(doc, filename); err != nil {
		return Config{}, err
	}

	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML. It is used by `djangoprov validate --print`.
func Marshal(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
