package cloud

import (
	"context"
	"slices"

	"github.com/gammadia/nomadcloud/jobtemplate"
)

// Block scopes a dynamic template to a pipeline execution block. The block
// owns the template: it is registered on Enter and removed on Exit.
type Block struct {
	cloud    *Cloud
	Template *jobtemplate.JobTemplate
}

// EnterBlock registers a copy of t, renamed to be unique, as a dynamic template.
func (c *Cloud) EnterBlock(t *jobtemplate.JobTemplate) (*Block, error) {
	dynamic := t.Copy()
	dynamic.Name = jobtemplate.GenerateName(t.Name)
	if err := c.AddDynamicTemplate(dynamic); err != nil {
		return nil, err
	}
	c.log.Info("Dynamic template registered", "template", dynamic.Name)
	return &Block{cloud: c, Template: dynamic}, nil
}

// Resume registers the template again after a restart emptied the registry.
func (b *Block) Resume() {
	if slices.Contains(b.cloud.DynamicTemplates(), b.Template) {
		return
	}
	b.cloud.dynamic.Add(b.cloud.Name(), b.Template)
	b.cloud.log.Info("Dynamic template registered again", "template", b.Template.Name)
}

// Exit removes the template and deregisters the jobs still running from it.
// Failures are logged only.
func (b *Block) Exit(ctx context.Context) {
	log := b.cloud.log.With("template", b.Template.Name)
	b.cloud.RemoveDynamicTemplate(b.Template)

	client, err := b.cloud.Connect()
	if err != nil {
		log.Warn("Failed to connect to scheduler, dynamic template jobs may leak", "error", err)
		return
	}
	jobs, err := client.List(ctx)
	if err != nil {
		log.Warn("Failed to list jobs, dynamic template jobs may leak", "error", err)
		return
	}

	meta := b.cloud.cloudMeta()
	meta[MetaTemplate] = b.Template.Name
	for _, job := range jobs {
		if !job.Live() || !job.HasMeta(meta) {
			continue
		}
		if _, err := client.Deregister(ctx, job.ID); err != nil {
			log.Warn("Failed to deregister dynamic template job", "job", job.ID, "error", err)
		}
	}
	log.Info("Dynamic template removed")
}
