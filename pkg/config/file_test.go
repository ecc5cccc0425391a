package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tapster-pi/tapster/pkg/utils/ptr"
)

func TestFileDefaults(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}

	if got := f.Channels(); len(got) != 4 || got[0] != 17 || got[3] != 23 {
		t.Errorf("Channels() = %v", got)
	}
	if got := f.Driver(); got != DriverGPIO {
		t.Errorf("Driver() = %q", got)
	}
	if got := f.CleanMarginSeconds(); got != 1.0 {
		t.Errorf("CleanMarginSeconds() = %v", got)
	}
	if got := f.CleanSchedule(); got != "" {
		t.Errorf("CleanSchedule() = %q", got)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestFileLoadAndSave(t *testing.T) {
	p := filepath.Join(t.TempDir(), "etc", "tapster.json")

	f := NewFileFromConfig(&RawFileConfig{
		Channels: []int{5, 6},
		Driver:   ptr.To(DriverMock),
	}, p)
	f.SetCleanSchedule(" 0 3 * * * ")
	f.SetCleanMarginSeconds(2.5)
	if err := f.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := NewFile(p)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	if got := loaded.Channels(); len(got) != 2 || got[1] != 6 {
		t.Errorf("Channels() = %v", got)
	}
	if got := loaded.Driver(); got != DriverMock {
		t.Errorf("Driver() = %q", got)
	}
	if got := loaded.CleanSchedule(); got != "0 3 * * *" {
		t.Errorf("CleanSchedule() = %q", got)
	}
	if got := loaded.CleanMarginSeconds(); got != 2.5 {
		t.Errorf("CleanMarginSeconds() = %v", got)
	}
	if got := loaded.CalibrationPath(); got != *defaultFileConfig.CalibrationPath {
		t.Errorf("CalibrationPath() = %q", got)
	}
}

func TestFileLoadEmptyAndBroken(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(empty); err != nil {
		t.Errorf("empty file: NewFile() error = %v", err)
	}

	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(broken); err == nil {
		t.Error("broken file: NewFile() succeeded")
	}
}

func TestFileValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     *RawFileConfig
		wantErr bool
	}{
		{"defaults", &RawFileConfig{}, false},
		{"duplicate line", &RawFileConfig{Channels: []int{4, 4}}, true},
		{"negative line", &RawFileConfig{Channels: []int{-1}}, true},
		{"unknown driver", &RawFileConfig{Driver: ptr.To("serial")}, true},
		{"negative margin", &RawFileConfig{CleanMarginSeconds: ptr.To(-1.0)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewFileFromConfig(tt.raw, "").Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
