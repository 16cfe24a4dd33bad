package components

import (
	_ "embed"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/peforge/internal/fault"
)

//go:embed languages.yaml
var languagesYAML []byte

// Language is the locale configuration applied for one display language.
type Language struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name"`
	InputLocale string   `yaml:"input_locale"`
	Packages    []string `yaml:"packages"`
}

// Languages returns the built-in catalog.
func Languages() []Language {
	var doc struct {
		Languages []Language `yaml:"languages"`
	}
	if err := yaml.Unmarshal(languagesYAML, &doc); err != nil {
		panic("components: embedded language catalog is invalid: " + err.Error())
	}
	return doc.Languages
}

// LookupLanguage finds code in the catalog, ignoring case.
func LookupLanguage(code string) (Language, error) {
	for _, lang := range Languages() {
		if strings.EqualFold(lang.Code, code) {
			return lang, nil
		}
	}
	return Language{}, fault.New(fault.Configuration, "components.language", "unsupported language %q", code)
}
