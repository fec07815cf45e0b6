package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

// exampleFile is one generated file under <data_dir>/config/examples.
type exampleFile struct {
	name  string
	label string
	build func() (any, error)
}

var exampleFiles = []exampleFile{
	{
		name:  "config.toml.example",
		label: "base config",
		build: func() (any, error) {
			cfg := defaultConfig()
			cfg.ChannelID = "123456789012345678"
			cfg.ServerDir = "/srv/minecraft"
			cfg.PresencePubAddr = "tcp://127.0.0.1:5560"
			return buildFileConfig(cfg), nil
		},
	},
	{
		name:  "secrets.toml.example",
		label: "secrets (keep out of version control; " + botTokenEnv + " overrides bot_token)",
		build: func() (any, error) {
			return secretsConfig{BotToken: "YOUR_BOT_TOKEN_HERE"}, nil
		},
	},
}

// ensureExampleFiles regenerates the example files on every start so they
// track the current defaults. Failures are logged and otherwise ignored.
func ensureExampleFiles(dataDir string) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	dir := filepath.Join(dataDir, "config", "examples")
	for _, ex := range exampleFiles {
		path := filepath.Join(dir, ex.name)
		data, err := renderExample(ex)
		if err != nil {
			logger.Warn("encode config example failed", "path", path, "error", err)
			continue
		}
		if err := atomicReplaceFile(path, data, false); err != nil {
			logger.Warn("write config example failed", "path", path, "error", err)
		}
	}
}

func renderExample(ex exampleFile) ([]byte, error) {
	v, err := ex.build()
	if err != nil {
		return nil, err
	}
	body, err := toml.Marshal(v)
	if err != nil {
		return nil, err
	}
	header := fmt.Sprintf("# Generated %s example (copy to a real config and edit as needed)\n\n", ex.label)
	return append([]byte(header), body...), nil
}

// rewriteConfigFile writes cfg to path. An existing file is first copied to
// path+".bak" so a bad rewrite can be undone by hand.
func rewriteConfigFile(path string, cfg Config) error {
	data, err := toml.Marshal(buildFileConfig(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	prev, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := atomicReplaceFile(path+".bak", prev, false); err != nil {
			return fmt.Errorf("backup %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read %s: %w", path, err)
	}
	return atomicReplaceFile(path, data, true)
}
