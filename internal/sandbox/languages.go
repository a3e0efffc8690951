package sandbox

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

//go:embed languages.yaml
var defaultLanguagesYAML []byte

// Language describes how to run one language in a grading runtime.
type Language struct {
	Name       string   `yaml:"-"`
	Aliases    []string `yaml:"aliases"`
	Image      string   `yaml:"image"`
	SourceFile string   `yaml:"source_file"`
	Run        string   `yaml:"run"`
	Env        []string `yaml:"env"`
}

// Languages resolves language names and aliases.
type Languages struct {
	byName map[string]*Language
	names  []string
}

type languagesFile struct {
	Languages map[string]*Language `yaml:"languages"`
}

// DefaultLanguages returns the built-in table.
func DefaultLanguages() *Languages {
	l, err := parseLanguages(defaultLanguagesYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in language table: %v", err))
	}
	return l
}

// LoadLanguages reads a language table from a YAML file, layered over the
// built-in table.
func LoadLanguages(file string) (*Languages, error) {
	if file == "" {
		return DefaultLanguages(), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading language table %s: %w", file, err)
	}

	var base, override languagesFile
	if err := yaml.Unmarshal(defaultLanguagesYAML, &base); err != nil {
		return nil, fmt.Errorf("parsing built-in language table: %w", err)
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parsing language table %s: %w", file, err)
	}
	for name, lang := range override.Languages {
		base.Languages[name] = lang
	}
	return buildLanguages(base)
}

func parseLanguages(data []byte) (*Languages, error) {
	var f languagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing language table: %w", err)
	}
	return buildLanguages(f)
}

func buildLanguages(f languagesFile) (*Languages, error) {
	l := &Languages{byName: make(map[string]*Language)}
	for name, lang := range f.Languages {
		if lang == nil {
			continue
		}
		lang.Name = name
		if lang.SourceFile == "" || lang.Run == "" {
			return nil, fmt.Errorf("language %s: source_file and run are required", name)
		}
		if path.Base(lang.SourceFile) != lang.SourceFile {
			return nil, fmt.Errorf("language %s: source_file must be a bare file name", name)
		}
		if _, err := lang.Command("/work"); err != nil {
			return nil, err
		}
		for _, key := range append([]string{name}, lang.Aliases...) {
			key = strings.ToLower(key)
			if other, dup := l.byName[key]; dup && other != lang {
				return nil, fmt.Errorf("language key %q is used by %s and %s", key, other.Name, name)
			}
			l.byName[key] = lang
		}
		l.names = append(l.names, name)
	}
	sort.Strings(l.names)
	return l, nil
}

// Lookup finds a language by name or alias, case-insensitively.
func (l *Languages) Lookup(name string) (*Language, bool) {
	lang, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	return lang, ok
}

// Names lists the canonical language names.
func (l *Languages) Names() []string {
	return append([]string(nil), l.names...)
}

// Command expands the run template for a source file placed in dir.
func (lang *Language) Command(dir string) ([]string, error) {
	fields, err := shlex.Split(lang.Run)
	if err != nil {
		return nil, fmt.Errorf("language %s: parsing run template: %w", lang.Name, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("language %s: run template is empty", lang.Name)
	}
	src := path.Join(dir, lang.SourceFile)
	for i, f := range fields {
		f = strings.ReplaceAll(f, "{src}", src)
		fields[i] = strings.ReplaceAll(f, "{dir}", dir)
	}
	return fields, nil
}
