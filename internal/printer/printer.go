// Package printer renders command results as YAML or JSON.
package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"sigs.k8s.io/yaml"
)

// Printer writes resources to w.
type Printer interface {
	// PrintObj prints one resource.
	PrintObj(obj any, w io.Writer) error
	// PrintList prints a list of resources.
	PrintList(items []any, w io.Writer) error
}

// Formats lists the supported output formats.
func Formats() []string {
	return []string{"yaml", "json"}
}

// New returns the printer for format.
func New(format string) (Printer, error) {
	switch format {
	case "", "yaml":
		return yamlPrinter{}, nil
	case "json":
		return jsonPrinter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q (supported: yaml, json)", format)
	}
}

// PrintSeq drains seq and prints the items as a list. Nothing is printed if
// the sequence fails.
func PrintSeq[T any](p Printer, seq iter.Seq2[T, error], w io.Writer) (int, error) {
	var items []any
	for item, err := range seq {
		if err != nil {
			return 0, err
		}
		items = append(items, item)
	}
	return len(items), p.PrintList(items, w)
}

type jsonPrinter struct{}

func (jsonPrinter) PrintObj(obj any, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(obj)
}

func (p jsonPrinter) PrintList(items []any, w io.Writer) error {
	if items == nil {
		items = []any{}
	}
	return p.PrintObj(items, w)
}

// yamlPrinter prints lists as a stream of documents separated by "---".
type yamlPrinter struct{}

func (yamlPrinter) PrintObj(obj any, w io.Writer) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	out, err := yaml.JSONToYAML(data)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func (p yamlPrinter) PrintList(items []any, w io.Writer) error {
	for i, item := range items {
		if i > 0 {
			if _, err := io.WriteString(w, "---\n"); err != nil {
				return err
			}
		}
		if err := p.PrintObj(item, w); err != nil {
			return err
		}
	}
	return nil
}
