// Package i18n loads species name tables (pokemon.<lang>.json) keyed by
// species id. Tables ship embedded; a directory on disk can add languages or
// override the embedded ones.
package i18n

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

//go:embed locales/pokemon.*.json
var embedded embed.FS

var ErrNoLocale = errors.New("no matching locale")

// Table maps species ids to display labels for one language.
type Table struct {
	lang  language.Tag
	names map[string]string
}

// Lang returns the language the table was resolved to.
func (t *Table) Lang() string { return t.lang.String() }

// Len returns the number of labels in the table.
func (t *Table) Len() int { return len(t.names) }

// Label returns the display label for a species id.
func (t *Table) Label(id string) (string, bool) {
	if t == nil {
		return "", false
	}
	s, ok := t.names[strings.TrimSpace(id)]
	return s, ok
}

// NewTable builds a table from an in-memory mapping.
func NewTable(lang string, names map[string]string) *Table {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.Und
	}
	cp := make(map[string]string, len(names))
	for k, v := range names {
		cp[k] = v
	}
	return &Table{lang: tag, names: cp}
}

type source struct {
	tag  language.Tag
	open func() ([]byte, error)
	from string
}

// Load resolves lang against the embedded tables and, if dir is set, the
// pokemon.<lang>.json files found in dir. Files in dir win over embedded
// tables of the same language. Regional variants fall back to their base
// language ("en-GB" -> "en").
func Load(lang, dir string) (*Table, error) {
	want, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		return nil, fmt.Errorf("lang %q: %w", lang, err)
	}

	sources, err := discover(dir)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, ErrNoLocale
	}

	tags := make([]language.Tag, 0, len(sources))
	for _, s := range sources {
		tags = append(tags, s.tag)
	}
	m := language.NewMatcher(tags)
	_, idx, conf := m.Match(want)
	if conf == language.No {
		return nil, fmt.Errorf("%w for %q (available: %s)", ErrNoLocale, lang, joinTags(tags))
	}
	src := sources[idx]

	b, err := src.open()
	if err != nil {
		return nil, fmt.Errorf("read locale %s: %w", src.from, err)
	}
	var names map[string]string
	if err := json.Unmarshal(b, &names); err != nil {
		return nil, fmt.Errorf("parse locale %s: %w", src.from, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("locale %s is empty", src.from)
	}
	return &Table{lang: src.tag, names: names}, nil
}

func discover(dir string) ([]source, error) {
	byLang := map[string]source{}

	entries, err := fs.Glob(embedded, "locales/pokemon.*.json")
	if err != nil {
		return nil, err
	}
	for _, p := range entries {
		tag, ok := tagFromFile(p)
		if !ok {
			continue
		}
		name := p
		byLang[tag.String()] = source{tag: tag, from: "embedded:" + name, open: func() ([]byte, error) {
			return embedded.ReadFile(name)
		}}
	}

	if dir = strings.TrimSpace(dir); dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("i18n dir: %w", err)
		}
		files, err := filepath.Glob(filepath.Join(dir, "pokemon.*.json"))
		if err != nil {
			return nil, err
		}
		for _, p := range files {
			tag, ok := tagFromFile(p)
			if !ok {
				continue
			}
			path := p
			byLang[tag.String()] = source{tag: tag, from: path, open: func() ([]byte, error) {
				return os.ReadFile(path)
			}}
		}
	}

	keys := make([]string, 0, len(byLang))
	for k := range byLang {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]source, 0, len(keys))
	for _, k := range keys {
		out = append(out, byLang[k])
	}
	return out, nil
}

func tagFromFile(p string) (language.Tag, bool) {
	base := filepath.Base(p)
	code := strings.TrimSuffix(strings.TrimPrefix(base, "pokemon."), ".json")
	tag, err := language.Parse(code)
	if err != nil {
		return language.Und, false
	}
	return tag, true
}

func joinTags(tags []language.Tag) string {
	s := make([]string, 0, len(tags))
	for _, t := range tags {
		s = append(s, t.String())
	}
	return strings.Join(s, ",")
}
