package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedService struct {
	name     string
	startErr error
	log      *[]string
}

func (s *recordedService) Name() string { return s.name }

func (s *recordedService) Start(ctx context.Context) error {
	*s.log = append(*s.log, "start:"+s.name)
	return s.startErr
}

func (s *recordedService) Stop(ctx context.Context) error {
	*s.log = append(*s.log, "stop:"+s.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(&recordedService{name: "a", log: &log}))
	require.NoError(t, m.Register(&recordedService{name: "b", log: &log}))

	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll(context.Background()))

	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, log)
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(&recordedService{name: "a", log: &log}))
	require.NoError(t, m.Register(&recordedService{name: "b", startErr: errors.New("boom"), log: &log}))
	require.NoError(t, m.Register(&recordedService{name: "c", log: &log}))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.Equal(t, []string{"start:a", "start:b", "stop:a"}, log)
}

func TestManagerRejectsDuplicateAndLateRegistration(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(&recordedService{name: "a", log: &log}))
	assert.Error(t, m.Register(&recordedService{name: "a", log: &log}))

	require.NoError(t, m.StartAll(context.Background()))
	assert.Error(t, m.Register(&recordedService{name: "b", log: &log}))
}
