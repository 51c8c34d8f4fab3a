package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/deployplane/protocol"
)

const inspectPrefix = "docker inspect -f {{.State.Running}} "

func TestContainerNaming(t *testing.T) {
	assert.Equal(t, "shop-production", containerName("Shop", "production", &protocol.ContainerSettings{}))
	assert.Equal(t, "my-api-dev", containerName("my api", "dev", nil))
	assert.Equal(t, "custom_name", containerName("shop", "dev", &protocol.ContainerSettings{Name: "custom_name"}))
	assert.Equal(t, "my-shop:20240501123000", imageTag("My Shop", "20240501123000"))
	assert.Equal(t, "app:v2", imageTag("", "V2"))
}

func TestContainerDeployReplacesRunningContainer(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "package.json"), `{"dependencies":{"express":"^4"}}`)

	r, cp, fr := newTestRunner(t, nil)
	fr.outputs[inspectPrefix+"shop-staging"] = "true"

	r.Handle(context.Background(), jobEvent(t, protocol.JobDeploy, protocol.DeployPayload{
		Environment: "staging",
		ProjectName: "shop",
		SourcePath:  src,
		Version:     "v3",
		EnvVars:     []protocol.EnvVar{{Key: "NODE_ENV", Value: "production"}},
		Container: &protocol.ContainerSettings{
			Enabled:          true,
			Port:             8081,
			Volumes:          []protocol.Mapping{{Host: "/data", Container: "/app/data"}},
			Env:              map[string]string{"B": "2", "A": "1"},
			Network:          "backend",
			PreBuildCommands: []string{"npm run lint"},
		},
	}))

	assert.Equal(t, []protocol.JobStatus{protocol.StatusRunning, protocol.StatusSuccess}, cp.statuses())
	dockerfile := filepath.Join(src, generatedDockerfile)
	assert.Equal(t, []string{
		"sh -c npm run lint",
		"docker build -t shop:v3 -f " + dockerfile + " " + src,
		inspectPrefix + "shop-staging",
		"docker stop shop-staging",
		"docker rm shop-staging",
		"docker run -d --name shop-staging --restart always -p 8081:3000 -v /data:/app/data -e NODE_ENV=production -e A=1 -e B=2 --network backend shop:v3",
	}, fr.lines())
	assert.Contains(t, cp.logged(protocol.LogInfo), "running on port 8081")
	assert.Contains(t, cp.logged(protocol.LogInfo), "node/express template")

	body, err := os.ReadFile(dockerfile)
	require.NoError(t, err)
	assert.Contains(t, string(body), "EXPOSE 3000")
}

func TestContainerDeployClonesRepository(t *testing.T) {
	base := t.TempDir()
	r, cp, fr := newTestRunner(t, &Config{AgentID: "a", Token: "t", ServerURL: "http://cp", DeployDir: base})
	stale := filepath.Join(base, "shop", "source")
	writeFile(t, filepath.Join(stale, "old.txt"), "stale")

	r.Handle(context.Background(), jobEvent(t, protocol.JobDeploy, protocol.DeployPayload{
		Environment: "dev",
		ProjectName: "shop",
		Repository:  "https://example.com/shop.git",
		Branch:      "main",
		Version:     "v1",
		Container:   &protocol.ContainerSettings{Enabled: true, Dockerfile: "/opt/Dockerfile"},
	}))

	// The configured Dockerfile does not exist, so the build never starts.
	assert.Equal(t, []protocol.JobStatus{protocol.StatusRunning, protocol.StatusFailed}, cp.statuses())
	require.NotEmpty(t, fr.calls)
	assert.Equal(t, "git clone --depth 1 --branch main https://example.com/shop.git "+stale, fr.lines()[0])
	assert.NoFileExists(t, filepath.Join(stale, "old.txt"))
	assert.Contains(t, cp.logged(protocol.LogError), "dockerfile /opt/Dockerfile not found")
}

func TestContainerDeployBuildFailure(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Dockerfile"), "FROM scratch")
	r, cp, fr := newTestRunner(t, nil)
	fr.errs["docker build"] = errors.New("exit code 1")

	r.Handle(context.Background(), jobEvent(t, protocol.JobDeploy, protocol.DeployPayload{
		ProjectName: "shop",
		SourcePath:  src,
		Container:   &protocol.ContainerSettings{Enabled: true},
	}))

	assert.Equal(t, []protocol.JobStatus{protocol.StatusRunning, protocol.StatusFailed}, cp.statuses())
	assert.Contains(t, cp.logged(protocol.LogError), "docker build: exit code 1")
	for _, l := range fr.lines() {
		assert.NotContains(t, l, "docker run")
	}
}

func TestContainerControl(t *testing.T) {
	tests := []struct {
		name    string
		typ     protocol.JobType
		state   string
		missing bool
		want    []string
		status  protocol.JobStatus
	}{
		{"stop running", protocol.JobStop, "true", false, []string{"docker stop shop-dev"}, protocol.StatusSuccess},
		{"stop stopped", protocol.JobStop, "false", false, nil, protocol.StatusSuccess},
		{"start stopped", protocol.JobStart, "false", false, []string{"docker start shop-dev"}, protocol.StatusSuccess},
		{"start running", protocol.JobStart, "true", false, nil, protocol.StatusSuccess},
		{"start missing", protocol.JobStart, "", true, nil, protocol.StatusFailed},
		{"restart running", protocol.JobRestart, "true", false, []string{"docker stop shop-dev", "docker start shop-dev"}, protocol.StatusSuccess},
		{"restart stopped", protocol.JobRestart, "false", false, []string{"docker start shop-dev"}, protocol.StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, cp, fr := newTestRunner(t, nil)
			if tt.missing {
				fr.errs[inspectPrefix] = errors.New("Error: No such object: shop-dev")
			} else {
				fr.outputs[inspectPrefix+"shop-dev"] = tt.state
			}

			r.Handle(context.Background(), jobEvent(t, tt.typ, protocol.ServiceControlPayload{
				Environment: "dev",
				ProjectName: "shop",
				Container:   &protocol.ContainerSettings{Enabled: true},
			}))

			assert.Equal(t, []protocol.JobStatus{protocol.StatusRunning, tt.status}, cp.statuses())
			assert.Equal(t, append([]string{inspectPrefix + "shop-dev"}, tt.want...), fr.lines())
		})
	}
}
