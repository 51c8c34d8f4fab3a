package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/itskum47/deployplane/protocol"
)

const (
	dockerBin = "docker"
	gitBin    = "git"
)

// containerName is deterministic per project and environment so repeated
// jobs address the same container.
func containerName(project, environment string, c *protocol.ContainerSettings) string {
	if c != nil && c.Name != "" {
		return safeName(c.Name, "app")
	}
	return strings.ToLower(safeName(project+"-"+environment, "app"))
}

func imageTag(project, version string) string {
	return strings.ToLower(safeName(project, "app")) + ":" + strings.ToLower(safeName(version, "latest"))
}

func docker(args ...string) Command {
	return Command{Name: dockerBin, Args: args}
}

// containerState reports whether the named container exists and is running.
func (r *Runner) containerState(ctx context.Context, name string) (exists, running bool, err error) {
	out, err := r.exec.Output(ctx, docker("inspect", "-f", "{{.State.Running}}", name))
	if err != nil {
		if strings.Contains(err.Error(), "No such") {
			return false, false, nil
		}
		return false, false, fmt.Errorf("inspect container %s: %w", name, err)
	}
	return true, out == "true", nil
}

func (r *Runner) docker(ctx context.Context, jl *jobLog, args ...string) error {
	cmd := docker(args...)
	jl.Infof("$ %s", cmd)
	if err := r.exec.Run(ctx, cmd, jl.Line); err != nil {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return nil
}

// controlContainer issues the smallest lifecycle operation that reaches the
// requested state.
func (r *Runner) controlContainer(ctx context.Context, t protocol.JobType, p *protocol.ServiceControlPayload, jl *jobLog) error {
	name := containerName(p.ProjectName, p.Environment, p.Container)
	exists, running, err := r.containerState(ctx, name)
	if err != nil {
		return err
	}
	switch t {
	case protocol.JobStop:
		if !running {
			jl.Infof("Container %s is not running", name)
			return nil
		}
		return r.docker(ctx, jl, "stop", name)
	case protocol.JobStart:
		if running {
			jl.Infof("Container %s is already running", name)
			return nil
		}
		if !exists {
			return fmt.Errorf("container %s does not exist, deploy it first", name)
		}
		return r.docker(ctx, jl, "start", name)
	case protocol.JobRestart:
		if !exists {
			return fmt.Errorf("container %s does not exist, deploy it first", name)
		}
		if running {
			if err := r.docker(ctx, jl, "stop", name); err != nil {
				return err
			}
		}
		return r.docker(ctx, jl, "start", name)
	}
	return fmt.Errorf("unsupported container action %q", t)
}

// deployContainer builds {project}:{version} and replaces the running
// container with one started from it.
func (r *Runner) deployContainer(ctx context.Context, p *protocol.DeployPayload, jl *jobLog) error {
	c := p.Container
	version := r.version(p)
	env := envList(p.EnvVars)

	srcDir := r.sourceDir(p)
	if p.Repository != "" && p.Branch != "" {
		dir, err := r.cloneSource(ctx, p, jl)
		if err != nil {
			return err
		}
		srcDir = dir
	}

	dockerfile, templatePort, err := resolveDockerfile(c, srcDir, jl)
	if err != nil {
		return err
	}

	for _, cmd := range c.PreBuildCommands {
		jl.Infof("Pre-build: %s", cmd)
		if err := r.exec.Run(ctx, shellCommand(cmd, srcDir, env), jl.Line); err != nil {
			return fmt.Errorf("pre-build command %q: %w", cmd, err)
		}
	}

	image := imageTag(p.ProjectName, version)
	jl.Infof("Building image %s", image)
	if err := r.docker(ctx, jl, "build", "-t", image, "-f", dockerfile, srcDir); err != nil {
		return err
	}

	name := containerName(p.ProjectName, p.Environment, c)
	if err := r.removeContainer(ctx, name, jl); err != nil {
		return err
	}

	containerPort := firstPositive(c.ContainerPort, templatePort, c.Port)
	hostPort := firstPositive(c.Port, containerPort)
	if err := r.docker(ctx, jl, runArgs(name, image, hostPort, containerPort, c, p.EnvVars)...); err != nil {
		return err
	}
	if hostPort > 0 {
		jl.Infof("Container %s is running on port %d", name, hostPort)
	} else {
		jl.Infof("Container %s is running", name)
	}
	return nil
}

// cloneSource clones a fresh shallow copy of the branch, replacing any
// stale checkout.
func (r *Runner) cloneSource(ctx context.Context, p *protocol.DeployPayload, jl *jobLog) (string, error) {
	base, err := resolveDeployBase(r.cfg.DeployBases())
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, safeName(p.ProjectName, "project"), "source")
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("remove stale checkout: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	jl.Infof("Cloning %s (branch %s)", p.Repository, p.Branch)
	cmd := Command{Name: gitBin, Args: []string{"clone", "--depth", "1", "--branch", p.Branch, p.Repository, dir}}
	if err := r.exec.Run(ctx, cmd, jl.Line); err != nil {
		return "", fmt.Errorf("git clone: %w", err)
	}
	if p.SourcePath != "" && !filepath.IsAbs(p.SourcePath) {
		dir = filepath.Join(dir, p.SourcePath)
	}
	return dir, nil
}

func (r *Runner) removeContainer(ctx context.Context, name string, jl *jobLog) error {
	exists, running, err := r.containerState(ctx, name)
	if err != nil || !exists {
		return err
	}
	if running {
		if err := r.docker(ctx, jl, "stop", name); err != nil {
			return err
		}
	}
	return r.docker(ctx, jl, "rm", name)
}

func runArgs(name, image string, hostPort, containerPort int, c *protocol.ContainerSettings, vars []protocol.EnvVar) []string {
	args := []string{"run", "-d", "--name", name, "--restart", "always"}
	if hostPort > 0 && containerPort > 0 {
		args = append(args, "-p", strconv.Itoa(hostPort)+":"+strconv.Itoa(containerPort))
	}
	for _, v := range c.Volumes {
		if v.Host != "" && v.Container != "" {
			args = append(args, "-v", v.Host+":"+v.Container)
		}
	}
	for _, kv := range envList(vars) {
		args = append(args, "-e", kv)
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+c.Env[k])
	}
	if c.Network != "" {
		args = append(args, "--network", c.Network)
	}
	return append(args, image)
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
