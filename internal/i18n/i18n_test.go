package i18n

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmbeddedEnglish(t *testing.T) {
	tab, err := Load("en", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tab.Len() != 151 {
		t.Fatalf("Len = %d, want 151", tab.Len())
	}
	if got, ok := tab.Label("16"); !ok || got != "Pidgey" {
		t.Fatalf("Label(16) = %q, %v", got, ok)
	}
	if _, ok := tab.Label("9999"); ok {
		t.Fatalf("unexpected label for unknown id")
	}
}

func TestLoadRegionalFallsBackToBase(t *testing.T) {
	tab, err := Load("de-AT", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, _ := tab.Label("25"); got != "Pikachu" {
		t.Fatalf("Label(25) = %q", got)
	}
	if got, _ := tab.Label("1"); got != "Bisasam" {
		t.Fatalf("Label(1) = %q, want German name", got)
	}
}

func TestLoadUnknownLanguageFails(t *testing.T) {
	_, err := Load("ja", "")
	if !errors.Is(err, ErrNoLocale) {
		t.Fatalf("expected ErrNoLocale, got %v", err)
	}
	if _, err := Load("not a tag!", ""); err == nil {
		t.Fatalf("expected error for invalid tag")
	}
}

func TestLoadDirectoryOverridesAndExtends(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pokemon.fr.json"), []byte(`{"1":"Bulbizarre"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pokemon.en.json"), []byte(`{"1":"Custom Bulbasaur"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	fr, err := Load("fr", dir)
	if err != nil {
		t.Fatalf("Load fr: %v", err)
	}
	if got, _ := fr.Label("1"); got != "Bulbizarre" {
		t.Fatalf("fr Label(1) = %q", got)
	}

	en, err := Load("en", dir)
	if err != nil {
		t.Fatalf("Load en: %v", err)
	}
	if got, _ := en.Label("1"); got != "Custom Bulbasaur" {
		t.Fatalf("override not applied, got %q", got)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pokemon.it.json"), []byte(`{broken`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load("it", dir); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load("en", filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
