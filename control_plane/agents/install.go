package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/protocol"
)

// InstallScript is a generated installer for one agent.
type InstallScript struct {
	Filename    string
	ContentType string
	Body        []byte
}

var bashInstaller = template.Must(template.New("install.sh").Parse(`#!/usr/bin/env bash
set -e

AGENT_ID="{{.AgentID}}"
SERVER_URL="{{.ServerURL}}"
INSTALL_DIR="$HOME/.uptime-agent"

mkdir -p "$INSTALL_DIR"
cat > "$INSTALL_DIR/config.json" <<'CONFIG'
{{.ConfigJSON}}
CONFIG
chmod 600 "$INSTALL_DIR/config.json"

{{if .DownloadURL}}if command -v curl >/dev/null 2>&1; then
  curl -fsSL "{{.DownloadURL}}" -o "$INSTALL_DIR/deploy-agent"
elif command -v wget >/dev/null 2>&1; then
  wget -qO "$INSTALL_DIR/deploy-agent" "{{.DownloadURL}}"
else
  echo "Error: curl or wget required"
  exit 1
fi
chmod +x "$INSTALL_DIR/deploy-agent"
AGENT_BIN="$INSTALL_DIR/deploy-agent"
{{else}}AGENT_BIN="$(command -v deploy-agent || true)"
if [ -z "$AGENT_BIN" ]; then
  echo "Error: deploy-agent not found in PATH"
  exit 1
fi
{{end}}
if [ -f "$INSTALL_DIR/agent.pid" ]; then
  OLD_PID=$(cat "$INSTALL_DIR/agent.pid" 2>/dev/null || true)
  if [ -n "$OLD_PID" ] && kill -0 "$OLD_PID" 2>/dev/null; then
    kill "$OLD_PID" 2>/dev/null || true
    sleep 1
  fi
fi

nohup "$AGENT_BIN" run --config "$INSTALL_DIR/config.json" >> "$INSTALL_DIR/agent.log" 2>&1 &
echo $! > "$INSTALL_DIR/agent.pid"

echo "Agent $AGENT_ID installed and started (PID $(cat "$INSTALL_DIR/agent.pid")), control plane $SERVER_URL"
`))

var powershellInstaller = template.Must(template.New("install.ps1").Parse(`$ErrorActionPreference = 'Stop'
$AGENT_ID = '{{.AgentID}}'
$INSTALL_DIR = Join-Path $env:USERPROFILE '.uptime-agent'
New-Item -ItemType Directory -Force -Path $INSTALL_DIR | Out-Null
$configPath = Join-Path $INSTALL_DIR 'config.json'
Set-Content -LiteralPath $configPath -Encoding UTF8 -Value @'
{{.ConfigJSON}}
'@
$bin = Join-Path $INSTALL_DIR 'deploy-agent.exe'
{{if .DownloadURL}}Invoke-WebRequest -UseBasicParsing '{{.DownloadURL}}' -OutFile $bin
{{else}}$found = Get-Command deploy-agent -ErrorAction SilentlyContinue
if (-not $found) { throw 'deploy-agent not found in PATH' }
$bin = $found.Source
{{end}}$pidPath = Join-Path $INSTALL_DIR 'agent.pid'
if (Test-Path $pidPath) { try { $old = Get-Content $pidPath; if ($old) { Stop-Process -Id $old -ErrorAction SilentlyContinue } } catch {} }
$p = Start-Process -FilePath $bin -ArgumentList @('run', '--config', $configPath) -WindowStyle Hidden -PassThru
$p.Id | Out-File -FilePath $pidPath -Encoding ascii -Force
Write-Output "Agent $AGENT_ID installed at $INSTALL_DIR and started (PID: $($p.Id))."
`))

type installData struct {
	AgentID     string
	ServerURL   string
	DownloadURL string
	ConfigJSON  string
}

// InstallScript renders a bash or PowerShell installer that writes the
// agent config and starts the agent. osName is linux, darwin or windows;
// empty derives it from the agent's host type.
func (m *Manager) InstallScript(ctx context.Context, id, osName, baseURL string) (*InstallScript, error) {
	agent, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := m.manualConfig(agent, baseURL)

	osName = strings.ToLower(strings.TrimSpace(osName))
	if osName == "" {
		osName = osForHost(agent.HostType)
	}

	cfgJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, apperr.Server("failed to encode agent config", err)
	}
	data := installData{
		AgentID:     cfg.AgentID,
		ServerURL:   cfg.ServerURL,
		DownloadURL: m.downloadURL(osName),
		ConfigJSON:  string(cfgJSON),
	}

	var buf bytes.Buffer
	script := &InstallScript{ContentType: "text/plain; charset=utf-8"}
	switch osName {
	case "windows":
		script.Filename = "install-agent.ps1"
		err = powershellInstaller.Execute(&buf, data)
	case "linux", "darwin":
		script.Filename = "install-agent.sh"
		err = bashInstaller.Execute(&buf, data)
	default:
		return nil, apperr.Validation("os must be one of linux, darwin, windows")
	}
	if err != nil {
		return nil, apperr.Server("failed to render install script", err)
	}
	script.Body = buf.Bytes()
	return script, nil
}

func (m *Manager) downloadURL(osName string) string {
	if m.opts.AgentDownloadURL == "" {
		return ""
	}
	return strings.ReplaceAll(m.opts.AgentDownloadURL, "{os}", osName)
}

func osForHost(h protocol.HostType) string {
	switch h {
	case protocol.HostWindows:
		return "windows"
	case protocol.HostMacOS:
		return "darwin"
	default:
		return "linux"
	}
}
