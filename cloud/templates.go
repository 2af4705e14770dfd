package cloud

import (
	"fmt"
	"slices"

	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/label"
)

// AddTemplate appends a static template, filling unset task defaults.
func (c *Cloud) AddTemplate(t *jobtemplate.JobTemplate) error {
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid template '%s': %w", t.Name, err)
	}
	c.templatesMu.Lock()
	defer c.templatesMu.Unlock()
	c.templates = append(c.templates, t)
	return nil
}

// RemoveTemplate removes the first static template with the given name.
func (c *Cloud) RemoveTemplate(name string) bool {
	c.templatesMu.Lock()
	defer c.templatesMu.Unlock()

	i := slices.IndexFunc(c.templates, func(t *jobtemplate.JobTemplate) bool { return t.Name == name })
	if i < 0 {
		return false
	}
	c.templates = slices.Delete(c.templates, i, i+1)
	return true
}

// Templates returns a snapshot of the static templates.
func (c *Cloud) Templates() []*jobtemplate.JobTemplate {
	c.templatesMu.RLock()
	defer c.templatesMu.RUnlock()
	return slices.Clone(c.templates)
}

func (c *Cloud) AddDynamicTemplate(t *jobtemplate.JobTemplate) error {
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid template '%s': %w", t.Name, err)
	}
	c.dynamic.Add(c.Name(), t)
	return nil
}

func (c *Cloud) RemoveDynamicTemplate(t *jobtemplate.JobTemplate) bool {
	return c.dynamic.Remove(c.Name(), t)
}

func (c *Cloud) DynamicTemplates() []*jobtemplate.JobTemplate {
	return c.dynamic.List(c.Name())
}

// AllTemplates returns static templates followed by dynamic ones.
func (c *Cloud) AllTemplates() []*jobtemplate.JobTemplate {
	return append(c.Templates(), c.DynamicTemplates()...)
}

// TemplatesFor runs the filter chain over all templates for the requested label.
func (c *Cloud) TemplatesFor(requested *label.Expr) []*jobtemplate.JobTemplate {
	return c.config.Filters.ApplyAll(c, c.AllTemplates(), requested)
}

// Template returns the first template serving the requested label.
func (c *Cloud) Template(requested *label.Expr) (*jobtemplate.JobTemplate, bool) {
	templates := c.TemplatesFor(requested)
	if len(templates) == 0 {
		return nil, false
	}
	return templates[0], true
}

// CanProvision reports whether any template serves the requested label.
func (c *Cloud) CanProvision(requested *label.Expr) bool {
	_, ok := c.Template(requested)
	return ok
}
