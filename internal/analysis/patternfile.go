package analysis

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/elexd/internal/qlearning"
)

// maxPatternFileSize bounds pattern files read from disk.
const maxPatternFileSize = 1 << 20

// PatternFile extends the built-in vocabulary. Example:
//
//	[[intent]]
//	category = "counter"
//	keywords = ["pmdata"]
//	patterns = ['\bpmEvent\w+']
//
//	[[entity]]
//	type = "parameter"
//	patterns = ['\b[a-z]+_[a-z_]+\b']
type PatternFile struct {
	Intents  []IntentPatterns `toml:"intent"`
	Entities []EntityPatterns `toml:"entity"`
}

// IntentPatterns adds vocabulary to one category.
type IntentPatterns struct {
	Category string   `toml:"category"`
	Keywords []string `toml:"keywords"`
	Patterns []string `toml:"patterns"`
	// Weight overrides the default score of each hit when positive.
	Weight float64 `toml:"weight"`
}

// EntityPatterns adds regexes to one entity type.
type EntityPatterns struct {
	Type     string   `toml:"type"`
	Patterns []string `toml:"patterns"`
}

// LoadPatternFile reads and decodes a TOML pattern file.
func LoadPatternFile(path string) (*PatternFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("pattern file %s is not a regular file", path)
	}
	if info.Size() > maxPatternFileSize {
		return nil, fmt.Errorf("pattern file %s exceeds %d bytes", path, maxPatternFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}
	return ParsePatternFile(string(data))
}

// ParsePatternFile decodes TOML pattern definitions.
func ParsePatternFile(data string) (*PatternFile, error) {
	var pf PatternFile
	md, err := toml.Decode(data, &pf)
	if err != nil {
		return nil, fmt.Errorf("decoding pattern file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown pattern file keys: %v", undecoded)
	}
	return &pf, nil
}

// Apply registers the file's vocabulary with c and e. Either may be nil.
func (pf *PatternFile) Apply(c *Classifier, e *Extractor) error {
	if c != nil {
		for _, ip := range pf.Intents {
			qt, err := qlearning.ParseQueryType(ip.Category)
			if err != nil {
				return err
			}
			for _, kw := range ip.Keywords {
				if err := c.AddKeyword(qt, kw, ip.Weight); err != nil {
					return err
				}
			}
			for _, p := range ip.Patterns {
				if err := c.AddPattern(qt, p, ip.Weight); err != nil {
					return err
				}
			}
		}
	}
	if e != nil {
		for _, ep := range pf.Entities {
			typ, err := ParseEntityType(ep.Type)
			if err != nil {
				return err
			}
			for _, p := range ep.Patterns {
				if err := e.AddPattern(typ, p); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
