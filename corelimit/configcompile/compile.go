/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package configcompile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Source is one YAML document source, identified by a path used purely for
// error reporting (it need not be a real filesystem path).
type Source struct {
	Path string
	Data []byte
}

type rawRateLimit struct {
	RequestsPerUnit uint32 `yaml:"requests_per_unit"`
	Unit            string `yaml:"unit"`
	Unlimited       bool   `yaml:"unlimited"`
	Name            string `yaml:"name"`
}

type rawDescriptor struct {
	Key         string          `yaml:"key"`
	Value       string          `yaml:"value"`
	RateLimit   *rawRateLimit   `yaml:"rate_limit"`
	ShadowMode  bool            `yaml:"shadow_mode"`
	Descriptors []rawDescriptor `yaml:"descriptors"`
}

type rawDocument struct {
	Domain      string          `yaml:"domain"`
	Descriptors []rawDescriptor `yaml:"descriptors"`
}

// ReadDir collects all *.yaml/*.yml files directly inside dir as Sources,
// sorted by name so that compilation order (and therefore error reporting
// order) is deterministic.
func ReadDir(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	sources := make([]Source, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, readErr := os.ReadFile(path) //nolint:gosec // config path is operator-controlled
		if readErr != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, readErr)
		}
		sources = append(sources, Source{Path: path, Data: data})
	}
	return sources, nil
}

// Compile parses and validates every source and returns the merged
// CompiledConfig. A single invalid source fails the whole load with no
// partial state observable: the returned error is always a *ConfigError.
func Compile(sources []Source) (*CompiledConfig, error) {
	cc := Empty()
	rootKeysByDomain := map[string]map[string]string{} // domain -> descriptor key -> source path that first declared it

	for _, src := range sources {
		dec := yaml.NewDecoder(bytes.NewReader(src.Data))
		for {
			var doc rawDocument
			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, &ConfigError{File: src.Path, Err: fmt.Errorf("parse yaml: %w", err)}
			}
			if err := mergeDocument(cc, rootKeysByDomain, src.Path, doc); err != nil {
				return nil, err
			}
		}
	}
	return cc, nil
}

func mergeDocument(cc *CompiledConfig, rootKeysByDomain map[string]map[string]string, path string, doc rawDocument) error {
	if doc.Domain == "" {
		return &ConfigError{File: path, Err: fmt.Errorf("empty domain")}
	}

	root, ok := cc.domains[doc.Domain]
	if !ok {
		root = newNode("", "")
		cc.domains[doc.Domain] = root
	}

	declared := rootKeysByDomain[doc.Domain]
	if declared == nil {
		declared = map[string]string{}
		rootKeysByDomain[doc.Domain] = declared
	}
	docKeys := map[string]bool{}
	for _, d := range doc.Descriptors {
		if d.Key == "" {
			continue // caught uniformly by buildChildren below
		}
		if owner, exists := declared[d.Key]; exists && !docKeys[d.Key] {
			return &ConfigError{File: path, Path: doc.Domain, Err: fmt.Errorf(
				"root descriptor key %q already declared in %s; root-descriptor keys must be disjoint across documents", d.Key, owner)}
		}
		declared[d.Key] = path
		docKeys[d.Key] = true
	}

	return buildChildren(root, doc.Descriptors, doc.Domain, path)
}

// buildChildren adds descs as children of parent, validating siblings as a
// group (duplicate (key,value) pairs, overlapping exact/wildcard subtrees),
// then recurses into each child's own nested descriptors.
func buildChildren(parent *Node, descs []rawDescriptor, path, file string) error {
	exactWithSubtree := map[string]bool{}
	wildcardWithSubtree := map[string]bool{}
	seen := map[ChildKey]bool{}

	for _, d := range descs {
		childPath := path + ">" + d.Key + "=" + d.Value

		if d.Key == "" {
			return &ConfigError{File: file, Path: path, Err: fmt.Errorf("empty descriptor key")}
		}

		ck := ChildKey{Key: d.Key, Value: d.Value}
		if seen[ck] {
			return &ConfigError{File: file, Path: childPath, Err: fmt.Errorf("duplicate (key,value) sibling definition")}
		}
		seen[ck] = true

		child, exists := parent.Children[ck]
		if !exists {
			child = newNode(d.Key, d.Value)
			parent.Children[ck] = child
		}

		if d.RateLimit != nil {
			limit, err := buildLimit(d.RateLimit, d.ShadowMode)
			if err != nil {
				return &ConfigError{File: file, Path: childPath, Err: err}
			}
			child.RateLimit = limit
		}

		if len(d.Descriptors) > 0 {
			if d.Value == "" {
				wildcardWithSubtree[d.Key] = true
			} else {
				exactWithSubtree[d.Key] = true
			}
		}

		if err := buildChildren(child, d.Descriptors, childPath, file); err != nil {
			return err
		}
	}

	for key := range wildcardWithSubtree {
		if exactWithSubtree[key] {
			return &ConfigError{File: file, Path: path, Err: fmt.Errorf(
				"overlapping sibling definitions for key %q: exact and wildcard values both define subtrees", key)}
		}
	}

	return nil
}

func buildLimit(r *rawRateLimit, shadowMode bool) (*Limit, error) {
	unit, err := parseUnit(r.Unit)
	if err != nil {
		return nil, err
	}
	if r.RequestsPerUnit == 0 && !r.Unlimited {
		return nil, fmt.Errorf("requests_per_unit must be greater than 0 unless unlimited is set")
	}
	return &Limit{
		RequestsPerUnit: r.RequestsPerUnit,
		Unit:            unit,
		Unlimited:       r.Unlimited,
		ShadowMode:      shadowMode,
		Name:            r.Name,
	}, nil
}
