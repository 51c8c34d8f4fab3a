package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

func TestSelectTemplate(t *testing.T) {
	tests := []struct {
		language, framework string
		want                string
	}{
		{"node", "express", "node/express"},
		{"JavaScript", "Next.js", "node/next"},
		{"typescript", "react", "node/react"},
		{"python", "flask", "python/flask"},
		{"py", "django", "python/django"},
		{"python", "fastapi", "python/fastapi"},
		{"java", "spring-boot", "java/spring"},
		{"ruby", "rails", "ruby/rails"},
		{"php", "laravel", "php/laravel"},
		{"python", "bottle", "python"},
		{"golang", "", "go"},
		{"rust", "", "rust"},
		{"elixir", "phoenix", "generic"},
		{"", "", "generic"},
	}
	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.language, func(t *testing.T) {
			_, key := selectTemplate(tt.language, tt.framework)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestEveryTemplateRenders(t *testing.T) {
	all := map[string]dockerTemplate{"generic": genericTemplate}
	for k, v := range frameworkTemplates {
		all[k] = v
	}
	for k, v := range languageTemplates {
		all[k] = v
	}
	for name, tpl := range all {
		body, err := renderDockerfile(tpl, 0)
		require.NoError(t, err, name)
		assert.Contains(t, body, "FROM ", name)
		assert.Contains(t, body, "EXPOSE ", name)
		assert.NotContains(t, body, "{{", name)
	}

	body, err := renderDockerfile(languageTemplates["go"], 9090)
	require.NoError(t, err)
	assert.Contains(t, body, "EXPOSE 9090")
}

func TestDetectStack(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		language  string
		framework string
	}{
		{"next", map[string]string{"package.json": `{"dependencies":{"next":"14","react":"18"}}`}, "node", "next"},
		{"vite react", map[string]string{"package.json": `{"devDependencies":{"vite":"5"},"dependencies":{"react":"18"}}`}, "node", "react"},
		{"plain node", map[string]string{"package.json": `{"name":"x"}`}, "node", ""},
		{"django", map[string]string{"manage.py": "", "requirements.txt": "Django==5"}, "python", "django"},
		{"fastapi", map[string]string{"requirements.txt": "fastapi\nuvicorn"}, "python", "fastapi"},
		{"flask pyproject", map[string]string{"pyproject.toml": `dependencies = ["Flask"]`}, "python", "flask"},
		{"go", map[string]string{"go.mod": "module x"}, "go", ""},
		{"spring", map[string]string{"pom.xml": "<artifactId>spring-boot-starter-web</artifactId>"}, "java", "spring"},
		{"rails", map[string]string{"Gemfile": `gem "rails"`}, "ruby", "rails"},
		{"laravel", map[string]string{"composer.json": "{}", "artisan": ""}, "php", "laravel"},
		{"rust", map[string]string{"Cargo.toml": "[package]"}, "rust", ""},
		{"unknown", map[string]string{"README.md": "hi"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, filepath.Join(dir, name), content)
			}
			lang, fw := detectStack(dir)
			assert.Equal(t, tt.language, lang)
			assert.Equal(t, tt.framework, fw)
		})
	}
}

func TestResolveDockerfile(t *testing.T) {
	cp := &fakeControlPlane{}
	jl := &jobLog{ctx: testContext(t), cp: cp, jobID: "job_1", logger: zap.NewNop()}

	t.Run("source tree wins over synthesis", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "Dockerfile"), "FROM scratch")
		path, port, err := resolveDockerfile(&protocol.ContainerSettings{Language: "go"}, dir, jl)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "Dockerfile"), path)
		assert.Zero(t, port)
	})

	t.Run("relative configured path", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "deploy", "Dockerfile.prod"), "FROM scratch")
		path, _, err := resolveDockerfile(&protocol.ContainerSettings{Dockerfile: "deploy/Dockerfile.prod"}, dir, jl)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "deploy", "Dockerfile.prod"), path)
	})

	t.Run("declared stack is synthesized", func(t *testing.T) {
		dir := t.TempDir()
		path, port, err := resolveDockerfile(&protocol.ContainerSettings{Language: "python", Framework: "fastapi", ContainerPort: 9000}, dir, jl)
		require.NoError(t, err)
		assert.Equal(t, 9000, port)
		body, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"--port", "9000"`)
	})
}

// testContext returns a context canceled when the test finishes
// (equivalent of testing.T.Context from Go 1.24).
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
