package main

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/c360studio/semrml/config"
	"github.com/c360studio/semrml/join"
	"github.com/c360studio/semrml/mapping"
	streamjoin "github.com/c360studio/semrml/processor/stream-join"
)

func TestBuildStreamsConfig(t *testing.T) {
	appCfg := appconfig.DefaultConfig()
	appCfg.Mapping.Paths = []string{"/etc/semrml/people.yaml"}
	appCfg.Join.WindowLength = 30 * time.Second
	appCfg.Join.MaxOutOfOrderness = 5 * time.Second

	joins := []mapping.JoinSpec{{
		ChildMap:     "person",
		ParentMap:    "dept",
		ChildSource:  "people",
		ParentSource: "departments",
		Condition:    join.Condition{{Child: "dept_id", Parent: "id"}},
	}}

	cfg, err := buildStreamsConfig(appCfg, joins)
	require.NoError(t, err)

	require.Len(t, cfg.Components, 2)
	mapper, ok := cfg.Components["record-mapper"]
	require.True(t, ok)
	assert.True(t, mapper.Enabled)

	var mapperCfg map[string]any
	require.NoError(t, json.Unmarshal(mapper.Config, &mapperCfg))
	assert.Equal(t, true, mapperCfg["watch_mapping"])
	assert.Equal(t, "ntriples", mapperCfg["format"])

	sj, ok := cfg.Components["stream-join-person-dept"]
	require.True(t, ok)
	assert.Equal(t, "stream-join", sj.Name)

	var joinCfg streamjoin.Config
	require.NoError(t, json.Unmarshal(sj.Config, &joinCfg))
	assert.Equal(t, "people", joinCfg.ChildSource)
	assert.Equal(t, "departments", joinCfg.ParentSource)
	assert.Equal(t, int64(30000), joinCfg.WindowLengthMs)
	assert.Equal(t, "5s", joinCfg.MaxOutOfOrderness)
	require.NoError(t, joinCfg.Validate())

	require.Contains(t, cfg.Streams, "SEMRML")
	assert.Contains(t, cfg.Streams["SEMRML"].Subjects, "semrml.joined.>")
	require.Contains(t, cfg.Streams, "GRAPH")
	assert.Equal(t, []string{appCfg.NATS.URL}, cfg.NATS.URLs)
}

func TestLoadStreamsConfigRequiresMapping(t *testing.T) {
	_, err := loadStreamsConfig("", appconfig.DefaultConfig())
	assert.Error(t, err)
}

func TestEnsureServiceManagerConfig(t *testing.T) {
	cfg, err := buildStreamsConfig(appconfig.DefaultConfig(), nil)
	require.NoError(t, err)

	ensureServiceManagerConfig(cfg)
	svc, ok := cfg.Services["service-manager"]
	require.True(t, ok)
	assert.True(t, svc.Enabled)

	// Existing entries are kept
	svc.Enabled = false
	cfg.Services["service-manager"] = svc
	ensureServiceManagerConfig(cfg)
	assert.False(t, cfg.Services["service-manager"].Enabled)
}

func TestWrapNATSError(t *testing.T) {
	err := wrapNATSError(assert.AnError, "nats://localhost:4222")
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotContains(t, err.Error(), "docker run")

	refused := wrapNATSError(errors.New("dial tcp: connection refused"), "nats://localhost:4222")
	assert.Contains(t, refused.Error(), "docker run")
}
