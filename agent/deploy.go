package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/itskum47/deployplane/protocol"
)

const (
	defaultDeployBase = "/var/www/deployments"
	versionLayout     = "20060102150405"
)

// deploy runs build commands in the source tree, copies artifacts into a
// fresh {base}/{project}/{version} workspace and optionally starts the
// service there.
func (r *Runner) deploy(ctx context.Context, p *protocol.DeployPayload, jl *jobLog) error {
	base, err := resolveDeployBase(r.cfg.DeployBases())
	if err != nil {
		return err
	}
	workspace := filepath.Join(base, safeName(p.ProjectName, "project"), r.version(p))
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", workspace, err)
	}
	jl.Infof("Deploying to %s (base: %s)", workspace, base)

	srcDir := r.sourceDir(p)
	env := envList(p.EnvVars)
	if len(p.Commands) == 0 {
		jl.Warnf("No commands provided, skipping command execution")
	}
	for _, c := range p.Commands {
		jl.Infof("Running: %s", c)
		if err := r.exec.Run(ctx, shellCommand(c, srcDir, env), jl.Line); err != nil {
			return fmt.Errorf("command %q: %w", c, err)
		}
	}

	if failed := copyArtifacts(p.Artifacts, srcDir, workspace, jl); len(failed) > 0 {
		return fmt.Errorf("%w: %s", errArtifacts, strings.Join(failed, ", "))
	}

	if p.AutoStart && p.StartCommand != "" {
		jl.Infof("Auto-starting service: %s", p.StartCommand)
		if err := r.exec.Run(ctx, shellCommand(p.StartCommand, workspace, env), jl.Line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			jl.Warnf("Service start failed: %v", err)
		} else {
			jl.Line(protocol.LogStdout, "Service started successfully")
		}
	}
	return nil
}

func (r *Runner) version(p *protocol.DeployPayload) string {
	if v := safeName(p.Version, ""); v != "" {
		return v
	}
	return r.now().UTC().Format(versionLayout)
}

// sourceDir is where build commands run and artifact sources resolve.
func (r *Runner) sourceDir(p *protocol.DeployPayload) string {
	if dir := firstNonEmpty(p.SourcePath, p.DeployPath, r.cfg.WorkDir); dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// resolveDeployBase returns the first candidate that exists or can be
// created and accepts writes.
func resolveDeployBase(candidates []string) (string, error) {
	var tried []string
	for _, dir := range candidates {
		if err := ensureWritable(dir); err != nil {
			tried = append(tried, fmt.Sprintf("%s (%v)", dir, err))
			continue
		}
		return dir, nil
	}
	return "", fmt.Errorf("no writable deploy directory: %s", strings.Join(tried, "; "))
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// artifactPaths resolves a rule: a relative src is taken from srcDir, a
// missing dest keeps the source basename, a relative dest lands in the
// workspace.
func artifactPaths(a protocol.Artifact, srcDir, workspace string) (src, dest string) {
	src = a.Src
	if !filepath.IsAbs(src) {
		src = filepath.Join(srcDir, src)
	}
	switch {
	case a.Dest == "":
		dest = filepath.Join(workspace, filepath.Base(src))
	case filepath.IsAbs(a.Dest):
		dest = a.Dest
	default:
		dest = filepath.Join(workspace, a.Dest)
	}
	return src, dest
}

// copyArtifacts attempts every rule and returns the sources that failed.
func copyArtifacts(artifacts []protocol.Artifact, srcDir, workspace string, jl *jobLog) []string {
	var failed []string
	for _, a := range artifacts {
		if a.Src == "" {
			continue
		}
		src, dest := artifactPaths(a, srcDir, workspace)
		jl.Infof("Copying artifact %s -> %s", src, dest)
		if err := copyPath(src, dest); err != nil {
			failed = append(failed, src)
			jl.Line(protocol.LogStderr, fmt.Sprintf("Failed to copy %s: %v", src, err))
			continue
		}
		jl.Line(protocol.LogStdout, fmt.Sprintf("Copied %s -> %s", src, dest))
	}
	return failed
}

// copyPath copies a file or a directory tree, overwriting existing files.
func copyPath(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dest, info.Mode().Perm())
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, fi.Mode().Perm())
	})
}

func copyFile(src, dest string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func envList(vars []protocol.EnvVar) []string {
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		if v.Key != "" {
			out = append(out, v.Key+"="+v.Value)
		}
	}
	return out
}

// safeName keeps a value usable as a single path or image component.
func safeName(v, fallback string) string {
	v = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, strings.TrimSpace(v))
	v = strings.Trim(v, "-.")
	if v == "" {
		return fallback
	}
	return v
}
