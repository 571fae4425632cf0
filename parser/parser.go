// Package parser provides a declarative pattern-matching engine that scans a
// run's captured output files and derives key-value attributes for the run's
// properties record. Rules are pure descriptors; a single evaluator applies
// them in registration order, so rule evaluation is unit-testable without
// touching the filesystem.
package parser

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/expkit/expkit/props"
)

// Kind selects the conversion applied to a pattern's first capture group.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
)

// DefaultFile is the file patterns scan when none is given.
const DefaultFile = "run.log"

type pattern struct {
	attribute string
	re        *regexp.Regexp
	file      string
	kind      Kind
	required  bool
}

// Function is a post-processing hook, applied after all patterns. It receives
// the contents of its file and may manipulate the properties record.
type Function struct {
	File string
	Fn   func(content string, p props.Properties)
}

// Parser is a named, ordered collection of pattern rules and post-processing
// functions.
type Parser struct {
	Name      string
	patterns  []pattern
	functions []Function
}

func New(name string) *Parser {
	return &Parser{Name: name}
}

// AddPattern registers a rule: search regex in file, convert capture group 1
// to kind and store it under attribute. flags is a string of regexp flags
// ("i", "m", "s") applied to the pattern. A required pattern that does not
// match records an unexplained error instead of failing the parse.
func (p *Parser) AddPattern(attribute, regex, file string, kind Kind, required bool, flags string) error {
	if attribute == "" {
		return fmt.Errorf("pattern needs an attribute name")
	}
	if file == "" {
		file = DefaultFile
	}
	if flags != "" {
		for _, c := range flags {
			if !strings.ContainsRune("ims", c) {
				return fmt.Errorf("unknown pattern flag: %q", c)
			}
		}
		regex = "(?" + flags + ")" + regex
	}
	re, err := regexp.Compile(regex)
	if err != nil {
		return fmt.Errorf("pattern for %s: %w", attribute, err)
	}
	if re.NumSubexp() < 1 {
		return fmt.Errorf("pattern for %s has no capture group: %s", attribute, regex)
	}
	p.patterns = append(p.patterns, pattern{
		attribute: attribute,
		re:        re,
		file:      file,
		kind:      kind,
		required:  required,
	})
	return nil
}

// AddFunction registers a post-processing hook on file (DefaultFile when
// empty). Functions run after all patterns, in registration order.
func (p *Parser) AddFunction(file string, fn func(content string, p props.Properties)) {
	if file == "" {
		file = DefaultFile
	}
	p.functions = append(p.functions, Function{File: file, Fn: fn})
}

// ParseDir applies all rules to the files in runDir and writes the derived
// attributes into properties. Each referenced file is read at most once per
// call. Missing files fail required patterns gracefully.
func (p *Parser) ParseDir(runDir string, properties props.Properties) {
	cache := map[string]*string{} // nil entry = file missing

	load := func(file string) (string, bool) {
		if content, ok := cache[file]; ok {
			if content == nil {
				return "", false
			}
			return *content, true
		}
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(runDir, file)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("Failed to read %s: %v", path, err)
			}
			cache[file] = nil
			return "", false
		}
		content := string(data)
		cache[file] = &content
		return content, true
	}

	for _, pat := range p.patterns {
		content, ok := load(pat.file)
		if !ok {
			if pat.required {
				properties.AddUnexplainedError(fmt.Sprintf(
					"parser %s: file %s is missing, required pattern for %q cannot match",
					p.Name, pat.file, pat.attribute))
			}
			continue
		}
		m := pat.re.FindStringSubmatch(content)
		if m == nil {
			if pat.required {
				properties.AddUnexplainedError(fmt.Sprintf(
					"parser %s: required pattern for %q not found in %s",
					p.Name, pat.attribute, pat.file))
			}
			continue
		}
		value, err := convert(m[1], pat.kind)
		if err != nil {
			properties.AddUnexplainedError(fmt.Sprintf(
				"parser %s: cannot convert %q for attribute %q: %v",
				p.Name, m[1], pat.attribute, err))
			continue
		}
		properties.Set(pat.attribute, value)
	}

	for _, fn := range p.functions {
		content, ok := load(fn.File)
		if !ok {
			continue
		}
		fn.Fn(content, properties)
	}
}

func convert(s string, kind Kind) (any, error) {
	switch kind {
	case Int:
		return strconv.Atoi(s)
	case Float:
		return strconv.ParseFloat(s, 64)
	case Bool:
		return strconv.ParseBool(s)
	default:
		return s, nil
	}
}
