package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EnvVar is a project-level environment variable.
type EnvVar struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"secretFlag"`
}

// Artifact copies Src (relative to the source tree) to Dest (relative to the
// deploy workspace). On the wire it is either a bare path or an object using
// src/from and dest/to.
type Artifact struct {
	Src  string `json:"src"`
	Dest string `json:"dest,omitempty"`
}

func (a *Artifact) UnmarshalJSON(b []byte) error {
	var path string
	if err := json.Unmarshal(b, &path); err == nil {
		a.Src, a.Dest = path, ""
		return nil
	}
	var raw struct {
		Src  string `json:"src"`
		From string `json:"from"`
		Dest string `json:"dest"`
		To   string `json:"to"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	a.Src = firstNonEmpty(raw.Src, raw.From)
	a.Dest = firstNonEmpty(raw.Dest, raw.To)
	return nil
}

// Mapping is a host:container pair used for volumes.
type Mapping struct {
	Host      string `json:"host"`
	Container string `json:"container"`
}

// ContainerSettings switches a target into container mode.
type ContainerSettings struct {
	Enabled          bool              `json:"enabled"`
	Name             string            `json:"name,omitempty"`
	Port             int               `json:"port,omitempty"`
	ContainerPort    int               `json:"containerPort,omitempty"`
	Volumes          []Mapping         `json:"volumes,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Network          string            `json:"network,omitempty"`
	Dockerfile       string            `json:"dockerfile,omitempty"`
	Language         string            `json:"language,omitempty"`
	Framework        string            `json:"framework,omitempty"`
	PreBuildCommands []string          `json:"preBuildCommands,omitempty"`
}

// Payload is the type-specific body of a job. The set of implementations is
// closed: DeployPayload, ServiceControlPayload and GenericPayload.
type Payload interface {
	Env() string
	isPayload()
}

// DeployPayload is the body of a deploy job.
type DeployPayload struct {
	Environment  string             `json:"environment"`
	ProjectName  string             `json:"projectName,omitempty"`
	Repository   string             `json:"repository,omitempty"`
	Branch       string             `json:"branch,omitempty"`
	Commands     []string           `json:"commands"`
	Artifacts    []Artifact         `json:"artifacts"`
	DeployPath   string             `json:"deployPath"`
	SourcePath   string             `json:"sourcePath,omitempty"`
	EnvVars      []EnvVar           `json:"envVars"`
	AutoStart    bool               `json:"autoStart"`
	StartCommand string             `json:"startCommand"`
	Version      string             `json:"version,omitempty"`
	Container    *ContainerSettings `json:"container,omitempty"`
}

// ServiceControlPayload is the body of a start, stop or restart job.
type ServiceControlPayload struct {
	Environment    string             `json:"environment"`
	ProjectName    string             `json:"projectName,omitempty"`
	StartCommand   string             `json:"startCommand,omitempty"`
	StopCommand    string             `json:"stopCommand,omitempty"`
	RestartCommand string             `json:"restartCommand,omitempty"`
	WorkDir        string             `json:"workDir"`
	Container      *ContainerSettings `json:"container,omitempty"`
}

// GenericPayload carries build and healthCheck jobs, which the runtime does
// not interpret yet.
type GenericPayload struct {
	Environment string `json:"environment,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	WorkDir     string `json:"workDir,omitempty"`
}

func (p *DeployPayload) Env() string         { return p.Environment }
func (p *ServiceControlPayload) Env() string { return p.Environment }
func (p *GenericPayload) Env() string        { return p.Environment }

func (*DeployPayload) isPayload()         {}
func (*ServiceControlPayload) isPayload() {}
func (*GenericPayload) isPayload()        {}

// Command returns the shell command for the given service action.
func (p *ServiceControlPayload) Command(t JobType) string {
	switch t {
	case JobStart:
		return p.StartCommand
	case JobStop:
		return p.StopCommand
	case JobRestart:
		return p.RestartCommand
	}
	return ""
}

// UsesContainer reports whether the payload targets a container.
func UsesContainer(c *ContainerSettings) bool {
	return c != nil && c.Enabled
}

// DecodePayload decodes raw into the variant selected by t.
// An empty or null body decodes to the zero value of the variant.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case JobDeploy:
		p = &DeployPayload{}
	case JobStart, JobStop, JobRestart:
		p = &ServiceControlPayload{}
	default:
		p = &GenericPayload{}
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
