package app

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
)

func TestOpenUsesDefaultWorkflowWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(context.Background(), Options{Workspace: dir})
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, config.Default().Workflow.Stages, ws.Config.Workflow.Stages)
	_, err = ws.Engine.RegisterUser(context.Background(), domain.User{Username: "ines", Role: auth.RoleInitiator, Active: true}, "")
	require.NoError(t, err)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := strings.Replace(config.GenerateDefault(), "Closes cases after final or legal review", "Signs off closures", 1)
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	ws, err := Open(context.Background(), Options{Workspace: dir})
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "Signs off closures", ws.Config.Roles[auth.RoleActioner].Description)
}

func TestOpenRejectsBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("workflow: ["), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir})
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		ws, err := Open(context.Background(), Options{Workspace: dir})
		require.NoError(t, err)
		require.NoError(t, ws.Close())
	}
}
