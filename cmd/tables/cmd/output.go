package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/treeverse/tables/pkg/tables"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputYAML  = "yaml"
)

func printTable(headers table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(headers)
	t.AppendRows(rows)
	t.Render()
}

func printYAML(v interface{}) {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		die("Failed to write output", err)
	}
	_ = enc.Close()
}

type schemaFile struct {
	Columns []*tables.ColumnModel `yaml:"columns"`
}

// readSchema reads the columns of a table from a YAML file
func readSchema(path string) []*tables.ColumnModel {
	f, err := os.Open(path)
	if err != nil {
		die("Failed to open schema", err)
	}
	defer func() { _ = f.Close() }()
	columns, err := parseSchema(f)
	if err != nil {
		die("Failed to read schema", err)
	}
	return columns
}

func parseSchema(r io.Reader) ([]*tables.ColumnModel, error) {
	var s schemaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if err := tables.ValidateSchema(s.Columns); err != nil {
		return nil, err
	}
	return s.Columns, nil
}

func formatIDRange(r *tables.IDRange) string {
	if r == nil || r.Count() == 0 {
		return "-"
	}
	return fmt.Sprintf("%d-%d", *r.MinimumID, *r.MaximumID)
}

func valueOrDash[T any](v *T) interface{} {
	if v == nil {
		return "-"
	}
	return *v
}
