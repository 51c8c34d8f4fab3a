package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusOnlyMovesForward(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		allowed  bool
	}{
		{StatusQueued, StatusDispatched, true},
		{StatusDispatched, StatusRunning, true},
		{StatusDispatched, StatusSuccess, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusDispatched, false},
		{StatusSuccess, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusFailed, StatusFailed, false},
		{StatusDispatched, JobStatus("BOGUS"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesHaveNoSuccessors(t *testing.T) {
	for _, s := range allStatuses {
		if !s.Terminal() {
			continue
		}
		for _, to := range allStatuses {
			assert.False(t, s.CanTransition(to), "%s -> %s", s, to)
		}
	}
}

func TestPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []JobStatus{StatusQueued, StatusDispatched, StatusRunning}, StatusFailed.Predecessors())
	assert.ElementsMatch(t, []JobStatus{StatusQueued, StatusDispatched}, StatusRunning.Predecessors())
	assert.Empty(t, StatusQueued.Predecessors())
}

func TestParseJobStatus(t *testing.T) {
	s, ok := ParseJobStatus(" success ")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, s)

	_, ok = ParseJobStatus("done")
	assert.False(t, ok)
}

func TestArtifactAcceptsStringAndObjectForms(t *testing.T) {
	var arts []Artifact
	raw := `["dist", {"src":"build/app","dest":"app"}, {"from":"public","to":"static"}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &arts))

	assert.Equal(t, []Artifact{
		{Src: "dist"},
		{Src: "build/app", Dest: "app"},
		{Src: "public", Dest: "static"},
	}, arts)
}

func TestDecodePayloadSelectsVariantByType(t *testing.T) {
	p, err := DecodePayload(JobDeploy, json.RawMessage(`{"environment":"staging","startCommand":"","autoStart":false}`))
	require.NoError(t, err)
	dp, ok := p.(*DeployPayload)
	require.True(t, ok)
	assert.Equal(t, "staging", dp.Env())

	p, err = DecodePayload(JobRestart, json.RawMessage(`{"restartCommand":"a && b","workDir":"/srv"}`))
	require.NoError(t, err)
	sp, ok := p.(*ServiceControlPayload)
	require.True(t, ok)
	assert.Equal(t, "a && b", sp.Command(JobRestart))
	assert.Equal(t, "", sp.Command(JobStart))

	p, err = DecodePayload(JobHealthCheck, nil)
	require.NoError(t, err)
	assert.IsType(t, &GenericPayload{}, p)

	_, err = DecodePayload(JobDeploy, json.RawMessage(`{"commands":"not-a-list"}`))
	assert.Error(t, err)
}

func TestJobEventKeepsPayloadBytes(t *testing.T) {
	payload := json.RawMessage(`{"z":1,"a":[3,2,1]}`)
	env, err := NewEnvelope(EventJob, JobEvent{JobID: "job_1", Type: JobDeploy, ProjectID: "p1", Payload: payload})
	require.NoError(t, err)

	wire, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(wire, &got))
	var ev JobEvent
	require.NoError(t, json.Unmarshal(got.Data, &ev))

	assert.Equal(t, EventJob, got.Event)
	assert.Equal(t, "job_1", ev.JobID)
	assert.Equal(t, JobDeploy, ev.Type)
	assert.Equal(t, "p1", ev.ProjectID)
	assert.JSONEq(t, string(payload), string(ev.Payload))
}
