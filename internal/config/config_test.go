package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Workflow.Statuses, 14)
	assert.Len(t, cfg.Workflow.Stages, 10)
	assert.Equal(t, []string{"Closed", "Rejected"}, cfg.Workflow.Terminal)
	assert.True(t, cfg.Roles["Admin"].Superuser)

	parsed, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, cfg.Workflow.Transitions, parsed.Workflow.Transitions)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "transition out of terminal",
			mutate: func(c *Config) { c.Workflow.Transitions[0].From = []string{"Closed"} },
			want:   `transition Submit leaves terminal status "Closed"`,
		},
		{
			name: "duplicate edge",
			mutate: func(c *Config) {
				c.Workflow.Transitions = append(c.Workflow.Transitions, c.Workflow.Transitions[0])
			},
			want: `duplicate transition Submit from "Draft"`,
		},
		{
			name: "role with unknown action",
			mutate: func(c *Config) {
				r := c.Roles["Reviewer"]
				r.Actions = append(r.Actions, "Escalate")
				c.Roles["Reviewer"] = r
			},
			want: `role Reviewer allows unknown action "Escalate"`,
		},
		{
			name:   "stamp on unknown status",
			mutate: func(c *Config) { c.Workflow.DecisionStamps["Archived"] = "closed" },
			want:   `decision stamp for unknown status "Archived"`,
		},
		{
			name:   "unknown stamp kind",
			mutate: func(c *Config) { c.Workflow.DecisionStamps["Approver 2"] = "signed" },
			want:   `status "Approver 2" has unknown decision stamp "signed"`,
		},
		{
			name:   "adjacency from unknown stage",
			mutate: func(c *Config) { c.Adjacency["Triage"] = []string{"Closure"} },
			want:   `adjacency references unknown stage "Triage"`,
		},
		{
			name:   "notification to unknown role",
			mutate: func(c *Config) { c.Notifications.Routes["Close"] = []string{"Auditor"} },
			want:   `notification route Close references unknown role "Auditor"`,
		},
		{
			name:   "request info clashes with a transition",
			mutate: func(c *Config) { c.Workflow.RequestInfo.Action = "Approve" },
			want:   `request_info action "Approve" collides with a transition`,
		},
		{
			name:   "status without stage",
			mutate: func(c *Config) { delete(c.Workflow.StatusStages, "Submitted") },
			want:   `status "Submitted" has no stage in config.workflow.status_stages`,
		},
		{
			name:   "decision action not a transition",
			mutate: func(c *Config) { c.Workflow.DecisionActions = append(c.Workflow.DecisionActions, "Escalate") },
			want:   `decision action "Escalate" is not a transition`,
		},
		{
			name:   "webhook without url",
			mutate: func(c *Config) { c.Notifications.Webhooks = []WebhookConfig{{Events: []string{"case.transitioned"}}} },
			want:   "webhook 0 has empty url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.EqualError(t, cfg.Validate(), tc.want)
		})
	}
}

func TestFromYAMLInvalid(t *testing.T) {
	_, err := FromYAML([]byte("workflow: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config yaml")

	_, err = FromYAML([]byte("workflow:\n  statuses: []\n"))
	assert.EqualError(t, err, "config.workflow.statuses is required")
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, Default().Workflow.Statuses, cfg.Workflow.Statuses)

	opt, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, opt)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "caseflow.yml"), []byte(GenerateDefault()), 0o644))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Path(dir), filepath.Join(dir, "caseflow.yml"))
	assert.Len(t, loaded.Roles, len(Default().Roles))
}

func TestDecodeTemplateFailsLoudly(t *testing.T) {
	_, err := decodeTemplate("workflow: [unclosed")
	require.Error(t, err)

	_, err = decodeTemplate("roles: {}\n")
	assert.EqualError(t, err, "template declares no statuses")

	assert.NotPanics(t, func() { Default() })
}
