package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const ConfigFileName = "board-sync.yaml"

// AddressEnv overrides the configured device address when set.
const AddressEnv = "BOARD_SYNC_ADDRESS"

const (
	DefaultBaudRate         = 115200
	DefaultTimeoutMs        = 15000
	DefaultHashCheckMaxSize = 200 // kB
	UploadBatchSize         = 512
	FastUploadMultiplier    = 3
)

// DefaultFileTypes are the extensions synced when sync_file_types is empty.
var DefaultFileTypes = []string{"py", "txt", "log", "json", "xml", "html", "js", "css", "mpy"}

var transports = map[string]bool{"": true, "auto": true, "serial": true, "socket": true, "webrepl": true}

type Config struct {
	ProjectName string `yaml:"project_name"`
	Address     string `yaml:"address"`
	Transport   string `yaml:"transport"`
	Password    string `yaml:"password,omitempty"`
	BaudRate    int    `yaml:"baud_rate"`

	SyncFolder       string   `yaml:"sync_folder"`
	SyncFileTypes    []string `yaml:"sync_file_types"`
	SyncAllFileTypes bool     `yaml:"sync_all_file_types"`
	PyIgnore         []string `yaml:"py_ignore"`

	CtrlCOnConnect    bool  `yaml:"ctrl_c_on_connect"`
	SafeBootOnUpload  bool  `yaml:"safe_boot_on_upload"`
	RebootAfterUpload *bool `yaml:"reboot_after_upload,omitempty"`
	FastUpload        bool  `yaml:"fast_upload"`
	TimeoutMs         int   `yaml:"timeout"`
	HashCheckMaxSize  int   `yaml:"hash_check_max_size"`

	AutoconnectManufacturers []string `yaml:"autoconnect_comport_manufacturers"`
	ResetCache               bool     `yaml:"reset_cache"`

	Log Log `yaml:"log"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration written by init.
func Default(projectName string) *Config {
	reboot := true
	return &Config{
		ProjectName:       projectName,
		Transport:         "auto",
		BaudRate:          DefaultBaudRate,
		SyncFileTypes:     append([]string(nil), DefaultFileTypes...),
		RebootAfterUpload: &reboot,
		TimeoutMs:         DefaultTimeoutMs,
		HashCheckMaxSize:  DefaultHashCheckMaxSize,
		AutoconnectManufacturers: []string{
			"Pycom", "Pycom Ltd.", "FTDI", "Microsoft", "Microchip Technology, Inc.",
			"1a86", "Silicon Labs", "Espressif",
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// ApplyDefaults fills zero values and applies the address override.
func (c *Config) ApplyDefaults() {
	if c.Transport == "" {
		c.Transport = "auto"
	}
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if len(c.SyncFileTypes) == 0 {
		c.SyncFileTypes = append([]string(nil), DefaultFileTypes...)
	}
	if c.RebootAfterUpload == nil {
		reboot := true
		c.RebootAfterUpload = &reboot
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.HashCheckMaxSize <= 0 {
		c.HashCheckMaxSize = DefaultHashCheckMaxSize
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if v := strings.TrimSpace(os.Getenv(AddressEnv)); v != "" {
		c.Address = v
	}
}

// Timeout is the connect and request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ChunkSize is the number of bytes sent per write command.
func (c *Config) ChunkSize() int {
	if c.FastUpload {
		return UploadBatchSize * FastUploadMultiplier
	}
	return UploadBatchSize
}

// HashCheckBytes is the largest file whose upload is verified by hash.
func (c *Config) HashCheckBytes() int {
	return c.HashCheckMaxSize * 1000
}

// Reboot reports whether the device is reset after an upload.
func (c *Config) Reboot() bool {
	return c.RebootAfterUpload == nil || *c.RebootAfterUpload
}

// ValidateConfig collects every problem instead of stopping at the first.
// An empty address is allowed: the caller falls back to port discovery.
func ValidateConfig(cfg *Config) error {
	var validationErrors []string

	if strings.TrimSpace(cfg.ProjectName) == "" {
		validationErrors = append(validationErrors, "project_name cannot be empty")
	}
	if !transports[strings.ToLower(cfg.Transport)] {
		validationErrors = append(validationErrors, fmt.Sprintf("transport must be one of auto, serial, socket, webrepl, got %q", cfg.Transport))
	}
	if cfg.BaudRate < 0 {
		validationErrors = append(validationErrors, "baud_rate must be positive")
	}
	if cfg.TimeoutMs < 0 {
		validationErrors = append(validationErrors, "timeout must be positive")
	}
	if cfg.HashCheckMaxSize < 0 {
		validationErrors = append(validationErrors, "hash_check_max_size must be positive")
	}
	if strings.HasPrefix(strings.ToLower(cfg.Address), "ws") && strings.ToLower(cfg.Transport) == "serial" {
		validationErrors = append(validationErrors, "a ws:// address needs the webrepl transport")
	}
	if strings.Contains(cfg.SyncFolder, "..") {
		validationErrors = append(validationErrors, "sync_folder must stay inside the project")
	}
	for _, t := range cfg.SyncFileTypes {
		if strings.ContainsAny(t, "/\\ ") {
			validationErrors = append(validationErrors, fmt.Sprintf("sync_file_types entry %q is not an extension", t))
		}
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(validationErrors, "\n"))
	}
	return nil
}

// LoadAndValidateConfig loads board-sync.yaml from the working directory.
func LoadAndValidateConfig() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom loads and validates the config file of the project in dir.
// ${VAR} references are expanded from the environment, then from dir/.env.
func LoadFrom(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.New("board-sync.yaml not found. Please run 'board-sync init' first")
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	dotEnv := readDotEnv(filepath.Join(dir, ".env"))
	text := os.Expand(string(data), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotEnv[key]
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes cfg as board-sync.yaml in dir.
func (c *Config) Save(dir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0644)
}

// readDotEnv parses KEY=VALUE lines. A missing file yields no values.
func readDotEnv(path string) map[string]string {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out
}

func ConfigExists() bool {
	_, err := os.Stat(ConfigFileName)
	return !os.IsNotExist(err)
}

func GetConfigPath() string {
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, ConfigFileName)
}
