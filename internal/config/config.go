package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"chatsync/internal/chat"
)

type ProviderConfig struct {
	BaseURL   string   `json:"base_url"`
	Model     string   `json:"model"`
	Models    []string `json:"models"`
	APIKey    string   `json:"api_key"`
	TimeoutMS int      `json:"timeout_ms"`
}

// SyncConfig 同步引擎参数 / Sync engine settings
type SyncConfig struct {
	PageSize   int    `json:"page_size"`
	TokenLimit int    `json:"token_limit"`
	Mode       string `json:"mode"`
	AutoResume bool   `json:"auto_resume"`
}

type ProcessConfig struct {
	PollIntervalMS  int `json:"poll_interval_ms"`
	CheckTimeoutMS  int `json:"check_timeout_ms"`
	RegisterGraceMS int `json:"register_grace_ms"`
	RemovalDelayMS  int `json:"removal_delay_ms"`
}

type ServerConfig struct {
	URL  string `json:"url"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ToolsConfig struct {
	WorkspaceRoot    string `json:"workspace_root"`
	MaxSteps         int    `json:"max_steps"`
	CommandTimeoutMS int    `json:"command_timeout_ms"`
	OutputLimitBytes int    `json:"output_limit_bytes"`
}

// ModeDefinition overrides the tool switches of one mode.
type ModeDefinition struct {
	Name     string            `json:"name"`
	Tools    map[string]string `json:"tools"`
	MaxSteps int               `json:"max_steps"`
}

type StorageConfig struct {
	BaseDir string `json:"base_dir"`
}

type LogConfig struct {
	File  string `json:"file"`
	Level string `json:"level"`
}

type Config struct {
	Provider ProviderConfig   `json:"provider"`
	Sync     SyncConfig       `json:"sync"`
	Process  ProcessConfig    `json:"process"`
	Server   ServerConfig     `json:"server"`
	Tools    ToolsConfig      `json:"tools"`
	Modes    []ModeDefinition `json:"modes"`
	Storage  StorageConfig    `json:"storage"`
	Log      LogConfig        `json:"log"`
	Locale   string           `json:"locale"`
}

type fileSyncConfig struct {
	PageSize   *int    `json:"page_size"`
	TokenLimit *int    `json:"token_limit"`
	Mode       *string `json:"mode"`
	AutoResume *bool   `json:"auto_resume"`
}

type fileConfig struct {
	Provider *ProviderConfig   `json:"provider"`
	Sync     *fileSyncConfig   `json:"sync"`
	Process  *ProcessConfig    `json:"process"`
	Server   *ServerConfig     `json:"server"`
	Tools    *ToolsConfig      `json:"tools"`
	Modes    *[]ModeDefinition `json:"modes"`
	Storage  *StorageConfig    `json:"storage"`
	Log      *LogConfig        `json:"log"`
	Locale   *string           `json:"locale"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			Models:    []string{"gpt-4o-mini"},
			TimeoutMS: 120000,
		},
		Sync: SyncConfig{
			PageSize:   50,
			TokenLimit: 32000,
			Mode:       string(chat.ModeAgent),
			AutoResume: true,
		},
		Process: ProcessConfig{
			PollIntervalMS:  5000,
			CheckTimeoutMS:  5000,
			RegisterGraceMS: 2000,
			RemovalDelayMS:  2000,
		},
		Server: ServerConfig{
			URL:  "http://127.0.0.1:7433",
			Host: "127.0.0.1",
			Port: 7433,
		},
		Tools: ToolsConfig{
			MaxSteps:         8,
			CommandTimeoutMS: 120000,
			OutputLimitBytes: 1 << 20,
		},
		Storage: StorageConfig{BaseDir: "~/.chatsync"},
		Log:     LogConfig{Level: "info"},
	}
}

// DBPath is the sqlite database under the storage dir.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.BaseDir, "chatsync.db")
}

// Load layers defaults, the global file, the project file (or path) and
// the environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("CHATSYNC_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".chatsync", "config.json"),
		filepath.Join(home, ".chatsync", "config.jsonc"),
	}
}

func findProjectConfigPath() string {
	candidates := []string{
		"chatsync.config.json",
		"chatsync.config.jsonc",
		".chatsync/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(stripJSONComments(data), &fc); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fc)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if fc.Sync != nil {
		if fc.Sync.PageSize != nil {
			cfg.Sync.PageSize = *fc.Sync.PageSize
		}
		if fc.Sync.TokenLimit != nil {
			cfg.Sync.TokenLimit = *fc.Sync.TokenLimit
		}
		if fc.Sync.Mode != nil {
			cfg.Sync.Mode = *fc.Sync.Mode
		}
		if fc.Sync.AutoResume != nil {
			cfg.Sync.AutoResume = *fc.Sync.AutoResume
		}
	}
	if fc.Process != nil {
		cfg.Process = mergeProcess(cfg.Process, *fc.Process)
	}
	if fc.Server != nil {
		if strings.TrimSpace(fc.Server.URL) != "" {
			cfg.Server.URL = fc.Server.URL
		}
		if strings.TrimSpace(fc.Server.Host) != "" {
			cfg.Server.Host = fc.Server.Host
		}
		if fc.Server.Port > 0 {
			cfg.Server.Port = fc.Server.Port
		}
	}
	if fc.Tools != nil {
		cfg.Tools = mergeTools(cfg.Tools, *fc.Tools)
	}
	if fc.Modes != nil {
		cfg.Modes = append([]ModeDefinition(nil), (*fc.Modes)...)
	}
	if fc.Storage != nil && strings.TrimSpace(fc.Storage.BaseDir) != "" {
		cfg.Storage.BaseDir = fc.Storage.BaseDir
	}
	if fc.Log != nil {
		if strings.TrimSpace(fc.Log.File) != "" {
			cfg.Log.File = fc.Log.File
		}
		if strings.TrimSpace(fc.Log.Level) != "" {
			cfg.Log.Level = fc.Log.Level
		}
	}
	if fc.Locale != nil {
		cfg.Locale = *fc.Locale
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if len(override.Models) > 0 {
		base.Models = append([]string(nil), override.Models...)
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	return base
}

func mergeProcess(base ProcessConfig, override ProcessConfig) ProcessConfig {
	if override.PollIntervalMS > 0 {
		base.PollIntervalMS = override.PollIntervalMS
	}
	if override.CheckTimeoutMS > 0 {
		base.CheckTimeoutMS = override.CheckTimeoutMS
	}
	if override.RegisterGraceMS > 0 {
		base.RegisterGraceMS = override.RegisterGraceMS
	}
	if override.RemovalDelayMS > 0 {
		base.RemovalDelayMS = override.RemovalDelayMS
	}
	return base
}

func mergeTools(base ToolsConfig, override ToolsConfig) ToolsConfig {
	if strings.TrimSpace(override.WorkspaceRoot) != "" {
		base.WorkspaceRoot = override.WorkspaceRoot
	}
	if override.MaxSteps > 0 {
		base.MaxSteps = override.MaxSteps
	}
	if override.CommandTimeoutMS > 0 {
		base.CommandTimeoutMS = override.CommandTimeoutMS
	}
	if override.OutputLimitBytes > 0 {
		base.OutputLimitBytes = override.OutputLimitBytes
	}
	return base
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_DATA_DIR")); v != "" {
		cfg.Storage.BaseDir = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_MODE")); v != "" {
		cfg.Sync.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_SERVER_URL")); v != "" {
		cfg.Server.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATSYNC_PAGE_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid CHATSYNC_PAGE_SIZE: %q", v)
		}
		cfg.Sync.PageSize = n
	}
	return nil
}

func normalize(cfg *Config) error {
	def := Default()
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	cfg.Provider.Models = normalizeModelList(append([]string{cfg.Provider.Model}, cfg.Provider.Models...))

	mode, err := chat.ParseMode(cfg.Sync.Mode)
	if err != nil {
		return fmt.Errorf("sync.mode: %w", err)
	}
	cfg.Sync.Mode = string(mode)
	if cfg.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", cfg.Sync.PageSize)
	}
	if cfg.Sync.TokenLimit <= 0 {
		cfg.Sync.TokenLimit = def.Sync.TokenLimit
	}

	for name, v := range map[string]int{
		"poll_interval_ms":  cfg.Process.PollIntervalMS,
		"check_timeout_ms":  cfg.Process.CheckTimeoutMS,
		"register_grace_ms": cfg.Process.RegisterGraceMS,
		"removal_delay_ms":  cfg.Process.RemovalDelayMS,
	} {
		if v <= 0 {
			return fmt.Errorf("process.%s must be positive, got %d", name, v)
		}
	}

	if cfg.Tools.MaxSteps <= 0 {
		cfg.Tools.MaxSteps = def.Tools.MaxSteps
	}
	if cfg.Tools.CommandTimeoutMS <= 0 {
		cfg.Tools.CommandTimeoutMS = def.Tools.CommandTimeoutMS
	}
	if cfg.Tools.OutputLimitBytes <= 0 {
		cfg.Tools.OutputLimitBytes = def.Tools.OutputLimitBytes
	}
	cfg.Tools.WorkspaceRoot = strings.TrimSpace(cfg.Tools.WorkspaceRoot)
	if cfg.Tools.WorkspaceRoot != "" {
		root, err := expandPath(cfg.Tools.WorkspaceRoot)
		if err != nil {
			return err
		}
		cfg.Tools.WorkspaceRoot = root
	}

	cfg.Server.URL = strings.TrimRight(strings.TrimSpace(cfg.Server.URL), "/")
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}

	base := cfg.Storage.BaseDir
	if strings.TrimSpace(base) == "" {
		base = def.Storage.BaseDir
	}
	storageDir, err := expandPath(base)
	if err != nil {
		return err
	}
	cfg.Storage.BaseDir = storageDir
	if strings.TrimSpace(cfg.Log.File) == "" {
		cfg.Log.File = filepath.Join(storageDir, "logs", "chatsync.log")
	} else if cfg.Log.File, err = expandPath(cfg.Log.File); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Locale = strings.TrimSpace(cfg.Locale)
	return nil
}

func normalizeModelList(models []string) []string {
	out := make([]string, 0, len(models))
	seen := map[string]struct{}{}
	for _, m := range models {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return filepath.Abs(path)
}

// stripJSONComments 去掉 // 与 /* */ 注释，字符串内容保持不变
// stripJSONComments removes // and /* */ comments, leaving strings intact
func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	var out bytes.Buffer

	for i := 0; i < len(data); i++ {
		c := data[i]
		var next byte
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			switch {
			case c == '"':
				state = stateString
				out.WriteByte(c)
			case c == '/' && next == '/':
				state = stateLineComment
				i++
			case c == '/' && next == '*':
				state = stateBlockComment
				i++
			default:
				out.WriteByte(c)
			}
		case stateString:
			out.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}
