// Copyright 2024 The kubegems.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"io"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// GenerateConfig writes every flag of fs as a commented yaml document that
// LoadConfigFile accepts back.
func GenerateConfig(w io.Writer, fs *pflag.FlagSet) error {
	groups := map[string][]*pflag.Flag{}
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		prefix, _, found := strings.Cut(f.Name, "-")
		if !found {
			prefix = ""
		}
		groups[prefix] = append(groups[prefix], f)
	})

	root := &yaml.Node{Kind: yaml.MappingNode}
	// top level flags first
	for _, f := range groups[""] {
		root.Content = append(root.Content, flagNodes(f.Name, f)...)
	}
	prefixes := make([]string, 0, len(groups))
	for prefix := range groups {
		if prefix != "" {
			prefixes = append(prefixes, prefix)
		}
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		section := &yaml.Node{Kind: yaml.MappingNode}
		for _, f := range groups[prefix] {
			_, key, _ := strings.Cut(f.Name, "-")
			section.Content = append(section.Content, flagNodes(key, f)...)
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: prefix}, section)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}})
}

func flagNodes(key string, f *pflag.Flag) []*yaml.Node {
	value := &yaml.Node{Kind: yaml.ScalarNode, Value: f.DefValue}
	if f.Value.Type() == "string" {
		value.Style = yaml.DoubleQuotedStyle
	}
	return []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: key, HeadComment: f.Usage},
		value,
	}
}
