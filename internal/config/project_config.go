package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// InitProjectConfigScaffold 在 dir 下写入默认项目配置（./.chatsync/config.json），已存在则保留
// InitProjectConfigScaffold writes the default project config under dir, keeping an existing one
func InitProjectConfigScaffold(dir string) (string, error) {
	path := filepath.Join(dir, ".chatsync", "config.json")
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return "", fmt.Errorf("project config path is a directory: %s", path)
		}
		return path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat project config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir .chatsync: %w", err)
	}

	cfg := Default()
	cfg.Provider.APIKey = ""
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write project config: %w", err)
	}
	return path, nil
}

// WriteProviderModel 将 provider.model 写入项目配置，其余字段保持不变
// WriteProviderModel stores provider.model in the project config, keeping other keys
func WriteProviderModel(projectDir, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("model is empty")
	}
	dir := filepath.Join(strings.TrimSpace(projectDir), ".chatsync")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir .chatsync: %w", err)
	}
	path := filepath.Join(dir, "config.json")

	root := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(stripJSONComments(data), &root); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	provider, _ := root["provider"].(map[string]any)
	if provider == nil {
		provider = map[string]any{}
	}
	provider["model"] = model
	root["provider"] = provider

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
