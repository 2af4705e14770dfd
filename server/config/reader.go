// Package config reads the job templates file of the daemon.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/gammadia/nomadcloud/jobtemplate"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

type ReadOptions struct {
	// Template parameters, available as .Params
	Params map[string]string
	// Logger receiving parse warnings
	Logger *slog.Logger
}

type UnmarshalError struct {
	error
	Source string
}

// FormatOf guesses the format of a file from its extension.
func FormatOf(file string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(file)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported templates file extension '%s'", ext)
	}
}

// Read reads a templates file and returns its job templates.
func Read(file string, options ReadOptions) ([]*jobtemplate.JobTemplate, error) {
	format, err := FormatOf(file)
	if err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(buf, format, options)
}

// Parse evaluates source as a template, then decodes and converts it.
func Parse(buf []byte, format Format, options ReadOptions) ([]*jobtemplate.JobTemplate, error) {
	source, err := evaluateTemplate(string(buf), options)
	if err != nil {
		return nil, fmt.Errorf("evaluate template: %w", err)
	}

	var templates Templates
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal([]byte(source), &templates)
	case FormatJSON:
		err = json.Unmarshal(jsonc.ToJSON([]byte(source)), &templates)
	default:
		err = fmt.Errorf("unknown format '%s'", format)
	}
	if err != nil {
		return nil, UnmarshalError{fmt.Errorf("unmarshal: %w", err), source}
	}

	jobTemplates, err := templates.JobTemplates(options.Logger)
	if err != nil {
		return nil, UnmarshalError{fmt.Errorf("validate: %w", err), source}
	}
	return jobTemplates, nil
}

type TemplateData struct {
	Env    map[string]string
	Params map[string]string
}

func evaluateTemplate(source string, options ReadOptions) (string, error) {
	tmpl, err := template.New("templates").
		Option("missingkey=zero").
		Funcs(sprig.TxtFuncMap()).
		Funcs(template.FuncMap{
			"env": os.Getenv,
		}).
		Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := TemplateData{
		Env:    lo.SliceToMap(os.Environ(), func(env string) (string, string) { key, val, _ := strings.Cut(env, "="); return key, val }),
		Params: lo.Ternary(options.Params == nil, map[string]string{}, options.Params),
	}

	var output bytes.Buffer
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return output.String(), nil
}
