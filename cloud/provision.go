package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/gammadia/nomadcloud/agent"
	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/label"
	"github.com/gammadia/nomadcloud/nomad"
)

// Provision plans up to excess new agents for the requested label, minus
// those still being provisioned. Only the first template able to start at
// least one agent is used. Scheduler failures are logged and yield no agents,
// the next round will try again.
//
// Planned agents are handed to InFlight before the round ends, so the next
// round counts them.
func (c *Cloud) Provision(ctx context.Context, requested *label.Expr, excess int) []*agent.Planned {
	return c.ProvisionWithEnv(ctx, requested, excess, nil)
}

// ProvisionWithEnv is Provision with variables set on the tasks of every
// planned agent.
func (c *Cloud) ProvisionWithEnv(ctx context.Context, requested *label.Expr, excess int, env map[string]string) []*agent.Planned {
	c.provisionMu.Lock()
	defer c.provisionMu.Unlock()

	log := c.log.With("label", requested.String())
	planned := c.plan(ctx, log, requested, excess, env)
	if len(planned) == 0 || c.inFlight == nil {
		return planned
	}
	if err := c.inFlight.Add(planned...); err != nil {
		log.Error("Failed to record planned agents, skipping provisioning round", "error", err)
		return nil
	}
	return planned
}

func (c *Cloud) plan(ctx context.Context, log *slog.Logger, requested *label.Expr, excess int, env map[string]string) []*agent.Planned {
	inFlight := 0
	if c.inFlight != nil {
		inFlight = c.inFlight.InProvisioning(requested.String())
	}
	toRequest := max(0, excess-inFlight)
	if toRequest == 0 {
		log.Debug("Nothing to provision", "excess", excess, "inFlight", inFlight)
		return nil
	}

	templates := c.TemplatesFor(requested)
	if len(templates) == 0 {
		log.Debug("No template matches label")
		return nil
	}

	counter := &capacity{cloud: c}
	for _, t := range templates {
		var planned []*agent.Planned
		for range toRequest {
			allowed, err := counter.allows(ctx, t)
			if err != nil {
				if nomad.IsConnectivityError(err) {
					log.Warn("Scheduler unreachable, skipping provisioning round", "error", err)
				} else {
					log.Error("Failed to check capacity, skipping provisioning round", "error", err)
				}
				return nil
			}
			if !allowed {
				log.Debug("Capacity reached", "template", t.Name)
				break
			}

			a := agent.New(c.Name(), t, requested.String(), agent.RetentionFor(t, c.config.RetentionTimeout))
			a.Env = maps.Clone(env)
			counter.reserve(t)
			planned = append(planned, agent.NewPlanned(a))
		}

		if len(planned) > 0 {
			log.Info("Provisioning agents", "template", t.Name, "count", len(planned), "excess", excess, "inFlight", inFlight)
			return planned
		}
	}
	return nil
}

// capacity checks cloud and template caps during one provisioning round.
// Live jobs are listed at most once per round.
type capacity struct {
	cloud    *Cloud
	jobs     []*nomad.JobListStub
	fetched  bool
	reserved map[*jobtemplate.JobTemplate]int
	total    int
}

func (k *capacity) needsJobs(t *jobtemplate.JobTemplate) bool {
	return k.cloud.config.ContainerCap > 0 || !t.Unbounded()
}

func (k *capacity) allows(ctx context.Context, t *jobtemplate.JobTemplate) (bool, error) {
	if t.InstanceCap != nil && *t.InstanceCap == 0 {
		return false, nil
	}
	if !k.needsJobs(t) {
		return true, nil
	}

	if !k.fetched {
		client, err := k.cloud.Connect()
		if err != nil {
			return false, err
		}
		if k.jobs, err = client.List(ctx); err != nil {
			return false, fmt.Errorf("failed to list scheduler jobs: %w", err)
		}
		k.fetched = true
	}

	cloudMeta := k.cloud.cloudMeta()
	if containerCap := k.cloud.config.ContainerCap; containerCap > 0 {
		if nomad.CountLive(k.jobs, cloudMeta)+k.total >= containerCap {
			return false, nil
		}
	}

	if t.InstanceCap != nil {
		templateMeta := maps.Clone(cloudMeta)
		if t.Name != "" {
			templateMeta[MetaTemplate] = t.Name
		} else {
			maps.Copy(templateMeta, t.LabelsMap())
		}
		if nomad.CountLive(k.jobs, templateMeta)+k.reserved[t] >= *t.InstanceCap {
			return false, nil
		}
	}
	return true, nil
}

func (k *capacity) reserve(t *jobtemplate.JobTemplate) {
	if k.reserved == nil {
		k.reserved = map[*jobtemplate.JobTemplate]int{}
	}
	k.reserved[t]++
	k.total++
}
