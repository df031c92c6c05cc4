package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// tempHome points the config directory lookup at a throwaway home directory
// for the duration of the test.
func tempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := os.Getenv("HOME")
	os.Setenv("HOME", dir)
	t.Cleanup(func() { os.Setenv("HOME", old) })
	return dir
}

func TestLoadConfigWritesDefault(t *testing.T) {
	home := tempHome(t)

	conf := LoadConfig()
	if conf == nil {
		t.Fatal("expected a config")
	}
	if conf.Prompt != "" || len(conf.Aliases) != 0 {
		t.Errorf("expected an empty default config; got %+v", conf)
	}

	data, err := ioutil.ReadFile(filepath.Join(home, configDir, configFile))
	if err != nil {
		t.Fatalf("expected a default config file to be written: %v", err)
	}
	if !strings.Contains(string(data), "# Configuration file for the kmon kernel monitor.") {
		t.Errorf("default config file missing its header:\n%s", data)
	}
}

func TestLoadConfigReadsValues(t *testing.T) {
	home := tempHome(t)

	if err := os.MkdirAll(filepath.Join(home, configDir), 0700); err != nil {
		t.Fatal(err)
	}
	content := "aliases:\n  backtrace: [\"where\"]\nprompt: \"mon> \"\n"
	if err := ioutil.WriteFile(filepath.Join(home, configDir, configFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	conf := LoadConfig()
	if conf.Prompt != "mon> " {
		t.Errorf("expected configured prompt; got %q", conf.Prompt)
	}
	if aliases := conf.Aliases["backtrace"]; len(aliases) != 1 || aliases[0] != "where" {
		t.Errorf("expected backtrace alias [where]; got %v", aliases)
	}
}

func TestLoadConfigPreservesExisting(t *testing.T) {
	tempHome(t)

	conf := LoadConfig()
	conf.Prompt = "mon> "
	if err := SaveConfig(conf); err != nil {
		t.Fatal(err)
	}

	// A second load must read the saved file back, not rewrite the default.
	again := LoadConfig()
	if again.Prompt != "mon> " {
		t.Errorf("expected the saved prompt to survive a reload; got %q", again.Prompt)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	tempHome(t)

	// LoadConfig creates the config directory on first run.
	LoadConfig()

	saved := &Config{
		Aliases: map[string][]string{"backtrace": {"where", "w"}},
		Prompt:  "mon> ",
	}
	if err := SaveConfig(saved); err != nil {
		t.Fatal(err)
	}

	loaded := LoadConfig()
	if loaded.Prompt != saved.Prompt {
		t.Errorf("expected prompt %q; got %q", saved.Prompt, loaded.Prompt)
	}
	if aliases := loaded.Aliases["backtrace"]; len(aliases) != 2 || aliases[0] != "where" || aliases[1] != "w" {
		t.Errorf("expected backtrace aliases [where w]; got %v", aliases)
	}
}
