package docker

import (
	"context"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ProjectLabel marks containers managed by slipway and carries the
// owning project name.
const ProjectLabel = "dev.slipway.project"

// Settings holds the immutable container settings shared by all workers.
// Built once at startup from configuration.
type Settings struct {
	Image           string
	Prefix          string
	NetworkName     string
	ProvisionerHost string
	FQDN            string
}

// ContainerName returns the deterministic container name for a project.
// Deterministic naming is what makes create/remove idempotent: a crashed
// worker can always find the container it half-created.
func (s Settings) ContainerName(project string) string {
	return s.Prefix + project
}

// Status is the driver's view of a container, reduced to what the state
// machine needs.
type Status struct {
	ID        string
	Running   bool
	State     string
	IPAddress string
	Image     string
	Labels    map[string]string
}

// CreateContainer creates a project container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, project string, s Settings) (string, error) {
	cfg := &container.Config{
		Image: s.Image,
		Labels: map[string]string{
			ProjectLabel: project,
		},
		Env: []string{
			"SLIPWAY_PROJECT=" + project,
			"SLIPWAY_PROVISIONER=" + s.ProvisionerHost,
			"SLIPWAY_FQDN=" + project + "." + s.FQDN,
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			s.NetworkName: {},
		},
	}
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             s.ContainerName(project),
		Config:           cfg,
		HostConfig:       &container.HostConfig{},
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// InspectContainer returns the driver's current view of a container.
// The ref may be a container ID or a container name.
func (c *Client) InspectContainer(ctx context.Context, ref string) (Status, error) {
	result, err := c.api.ContainerInspect(ctx, ref, client.ContainerInspectOptions{})
	if err != nil {
		return Status{}, err
	}
	ctr := result.Container

	st := Status{ID: ctr.ID}
	if ctr.State != nil {
		st.Running = ctr.State.Running
		st.State = string(ctr.State.Status)
	}
	if ctr.Config != nil {
		st.Image = ctr.Config.Image
		st.Labels = ctr.Config.Labels
	}
	if ctr.NetworkSettings != nil {
		for _, ep := range ctr.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress.IsValid() {
				st.IPAddress = ep.IPAddress.String()
				break
			}
		}
	}
	return st, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// StopContainer stops a running container with the given grace period.
// A zero grace period kills the container immediately.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	timeout := int(grace / time.Second)
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

// RemoveContainer removes a container, optionally forcing removal of a
// running one.
func (c *Client) RemoveContainer(ctx context.Context, ref string, force bool) error {
	_, err := c.api.ContainerRemove(ctx, ref, client.ContainerRemoveOptions{Force: force})
	return err
}

// FindProjectContainer looks up a container by the project's deterministic
// name and returns its status. Docker prepends "/" to names; both forms
// are accepted by inspect.
func (c *Client) FindProjectContainer(ctx context.Context, project string, s Settings) (Status, error) {
	return c.InspectContainer(ctx, strings.TrimPrefix(s.ContainerName(project), "/"))
}
