package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func setHome(t *testing.T) string {
	dir := t.TempDir()
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", dir)
	} else {
		t.Setenv("HOME", dir)
	}
	return dir
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	home := setHome(t)

	conf, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if conf.OfficePath != "" || conf.AllowOverflow || len(conf.MonitoredClasses) != 0 || len(conf.Hosts) != 0 {
		t.Fatalf("default config should leave everything unset, got %#v", conf)
	}
	if _, err := os.Stat(filepath.Join(home, configDir, configFile)); err != nil {
		t.Fatalf("default config file not created: %v", err)
	}
}

func TestSaveConfig(t *testing.T) {
	setHome(t)

	want := &Config{
		OfficePath:       `C:\Program Files\Microsoft Office\Office15`,
		AllowOverflow:    true,
		MonitoredClasses: []string{"Win32_Service"},
		Hosts:            map[string]string{"word": `C:\Office16\WINWORD.EXE`},
		LogDest:          `C:\analysis\loffice.log`,
	}
	if err := SaveConfig(want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if got.OfficePath != want.OfficePath || !got.AllowOverflow || got.LogDest != want.LogDest {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
	if len(got.MonitoredClasses) != 1 || got.MonitoredClasses[0] != "Win32_Service" {
		t.Fatalf("unexpected monitored classes %q", got.MonitoredClasses)
	}
	if got.Hosts["word"] != want.Hosts["word"] {
		t.Fatalf("unexpected hosts %v", got.Hosts)
	}
}

func TestLoadConfigFromInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("monitored-classes: {"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFrom(path); err == nil {
		t.Fatal("expected a decoding error")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	setHome(t)
	if err := SaveConfig(&Config{AllowOverflow: true}); err != nil {
		t.Fatal(err)
	}
	path, err := WriteDefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	conf, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if conf.AllowOverflow {
		t.Fatal("default config not restored")
	}
}
