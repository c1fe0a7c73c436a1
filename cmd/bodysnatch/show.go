package main

import (
	"io"

	"github.com/go-delve/delve/service/api"
	"gopkg.in/yaml.v3"
)

// node is the YAML view of a Delve variable
type node struct {
	Name       string `yaml:"name,omitempty"`
	Type       string `yaml:"type"`
	Value      string `yaml:"value,omitempty"`
	Len        int64  `yaml:"len,omitempty"`
	Unreadable string `yaml:"unreadable,omitempty"`
	Children   []node `yaml:"children,omitempty"`
}

func toNode(v api.Variable) node {
	n := node{
		Name:       v.Name,
		Type:       v.Type,
		Value:      v.Value,
		Len:        v.Len,
		Unreadable: v.Unreadable,
	}
	for _, child := range v.Children {
		n.Children = append(n.Children, toNode(child))
	}
	return n
}

func writeYAML(w io.Writer, n node) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(n); err != nil {
		return err
	}
	return enc.Close()
}
