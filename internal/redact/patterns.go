package redact

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/Jgorzitza/HotDash-sub021/patterns"
)

// Category is a PII category handled by the redactor.
type Category string

const (
	CategoryEmail   Category = "email"
	CategoryPhone   Category = "phone"
	CategoryAddress Category = "address"
)

// maskStrategy names how a matched value is reduced in specificity.
type maskStrategy string

const (
	maskShape       maskStrategy = "shape"
	maskDigits      maskStrategy = "digits"
	maskPlaceholder maskStrategy = "placeholder"
)

// RecognizerConfig is one YAML recognizer definition.
type RecognizerConfig struct {
	Name   string `yaml:"name"`
	Entity string `yaml:"supported_entity"`
	Mask   string `yaml:"mask"`
	Regex  string `yaml:"regex"`
}

// RecognizerFile is the top-level YAML recognizer file structure.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// Pattern is a compiled, ready-to-use recognizer.
type Pattern struct {
	Name    string
	Entity  Category
	Mask    maskStrategy
	Pattern *regexp.Regexp
}

// ParseRecognizerFile parses recognizer YAML content.
func ParseRecognizerFile(content []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(content, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer file: %w", err)
	}
	return &rf, nil
}

// CompilePatterns compiles recognizer configs into runtime patterns.
func CompilePatterns(recs []RecognizerConfig) ([]Pattern, error) {
	compiled := make([]Pattern, 0, len(recs))
	for _, r := range recs {
		re, err := regexp.Compile(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling recognizer %s: %w", r.Name, err)
		}
		switch maskStrategy(r.Mask) {
		case maskShape, maskDigits, maskPlaceholder:
		default:
			return nil, fmt.Errorf("recognizer %s: unknown mask strategy %q", r.Name, r.Mask)
		}
		compiled = append(compiled, Pattern{
			Name:    r.Name,
			Entity:  Category(r.Entity),
			Mask:    maskStrategy(r.Mask),
			Pattern: re,
		})
	}
	return compiled, nil
}

// defaultPatterns is the compiled default pattern set, built at init time
// from the embedded YAML.
var defaultPatterns []Pattern

func init() {
	rf, err := ParseRecognizerFile(patterns.PIISupportYAML())
	if err != nil {
		panic(fmt.Sprintf("loading embedded PII patterns: %v", err))
	}
	compiled, err := CompilePatterns(rf.Recognizers)
	if err != nil {
		panic(fmt.Sprintf("compiling embedded PII patterns: %v", err))
	}
	defaultPatterns = compiled
}
