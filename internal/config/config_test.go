package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func writeConfig(t *testing.T, dir string, lines ...string) {
	t.Helper()
	text := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "project_name: blinky", "address: /dev/ttyUSB0")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	assert.Equal(t, "auto", cfg.Transport)
	assert.Equal(t, DefaultBaudRate, cfg.BaudRate)
	assert.Equal(t, DefaultFileTypes, cfg.SyncFileTypes)
	assert.Equal(t, true, cfg.Reboot())
	assert.Equal(t, 15*time.Second, cfg.Timeout())
	assert.Equal(t, 512, cfg.ChunkSize())
	assert.Equal(t, 200000, cfg.HashCheckBytes())
}

func TestLoadExplicitValues(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir,
		"project_name: blinky",
		"address: ws://192.168.4.1:8266",
		"transport: webrepl",
		"password: micro",
		"sync_folder: src",
		"reboot_after_upload: false",
		"fast_upload: true",
		"timeout: 2000",
		"sync_file_types: [py]",
	)
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	assert.Equal(t, false, cfg.Reboot())
	assert.Equal(t, 1536, cfg.ChunkSize())
	assert.Equal(t, 2*time.Second, cfg.Timeout())
	assert.Equal(t, []string{"py"}, cfg.SyncFileTypes)
	assert.Equal(t, "src", cfg.SyncFolder)
}

func TestEnvInterpolationFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "project_name: test", "address: ${BOARD_SYNC_TEST_HOST}", "password: ${BOARD_SYNC_TEST_PASS}")
	os.WriteFile(filepath.Join(dir, ".env"), []byte("# device\nBOARD_SYNC_TEST_HOST=192.168.4.1\nexport BOARD_SYNC_TEST_PASS=\"secret\"\n"), 0644)

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	assert.Equal(t, "192.168.4.1", cfg.Address)
	assert.Equal(t, "secret", cfg.Password)
}

func TestEnvInterpolationPrecedenceOSTakesPriority(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "project_name: test", "address: ${BOARD_SYNC_TEST_HOST}")
	os.WriteFile(filepath.Join(dir, ".env"), []byte("BOARD_SYNC_TEST_HOST=from.env"), 0644)
	t.Setenv("BOARD_SYNC_TEST_HOST", "from.os.env")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	assert.Equal(t, "from.os.env", cfg.Address)
}

func TestAddressOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "project_name: test", "address: /dev/ttyUSB0")
	t.Setenv(AddressEnv, "/dev/ttyACM1")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "/dev/ttyACM1", cfg.Address)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := &Config{Transport: "telnet", SyncFolder: "../up", Log: Log{Level: "loud"}}
	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	msg := err.Error()
	assert.Equal(t, true, strings.HasPrefix(msg, "configuration validation failed:\n"))
	for _, want := range []string{"project_name cannot be empty", "transport must be one of", "sync_folder must stay inside", "log.level"} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in:\n%s", want, msg)
		}
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := LoadFrom(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "board-sync init") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := Default("blinky").Save(dir); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "blinky", cfg.ProjectName)
	assert.Equal(t, true, cfg.Reboot())
	assert.Equal(t, 8, len(cfg.AutoconnectManufacturers))
}

func TestLocalConfig(t *testing.T) {
	dir := t.TempDir()
	lc, err := GetOrCreateLocalConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	id := lc.DeviceID
	assert.NotEqual(t, "", id)

	lc.LastPort = "/dev/ttyUSB0"
	if err := lc.Save(); err != nil {
		t.Fatal(err)
	}
	again, err := GetOrCreateLocalConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, id, again.DeviceID)
	assert.Equal(t, "/dev/ttyUSB0", again.LastPort)
}
