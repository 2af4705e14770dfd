package jobtemplate

import (
	"github.com/gammadia/nomadcloud/label"
)

// CloudInfo identifies the cloud a filter runs on behalf of.
type CloudInfo interface {
	Name() string
}

// Filter transforms a template for a requested label, or rejects it by
// returning false.
type Filter interface {
	Transform(cloud CloudInfo, t *JobTemplate, requested *label.Expr) (*JobTemplate, bool)
}

type FilterFunc func(cloud CloudInfo, t *JobTemplate, requested *label.Expr) (*JobTemplate, bool)

func (f FilterFunc) Transform(cloud CloudInfo, t *JobTemplate, requested *label.Expr) (*JobTemplate, bool) {
	return f(cloud, t, requested)
}

// Chain runs filters in order. The first rejection drops the template, and
// each accepted output is passed on to the next filter.
type Chain []Filter

func (c Chain) Apply(cloud CloudInfo, t *JobTemplate, requested *label.Expr) (*JobTemplate, bool) {
	for _, f := range c {
		var ok bool
		if t, ok = f.Transform(cloud, t, requested); !ok || t == nil {
			return nil, false
		}
	}
	return t, true
}

// ApplyAll filters templates, preserving their order.
func (c Chain) ApplyAll(cloud CloudInfo, templates []*JobTemplate, requested *label.Expr) []*JobTemplate {
	var out []*JobTemplate
	for _, t := range templates {
		if filtered, ok := c.Apply(cloud, t, requested); ok {
			out = append(out, filtered)
		}
	}
	return out
}

// LabelFilter accepts NORMAL templates for label-less requests, and templates
// whose labels satisfy the requested expression otherwise.
var LabelFilter Filter = FilterFunc(func(_ CloudInfo, t *JobTemplate, requested *label.Expr) (*JobTemplate, bool) {
	if requested == nil {
		return t, t.Mode() == Normal
	}
	return t, requested.Matches(t.LabelSet())
})

func DefaultChain() Chain {
	return Chain{LabelFilter}
}
