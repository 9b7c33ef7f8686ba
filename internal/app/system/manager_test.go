package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingService struct {
	name     string
	startErr error
	log      *[]string
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.log = append(*s.log, "start:"+s.name)
	return nil
}

func (s *recordingService) Stop(context.Context) error {
	*s.log = append(*s.log, "stop:"+s.name)
	return nil
}

func TestManagerStartsInOrderAndStopsInReverse(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(&recordingService{name: "a", log: &log}))
	require.NoError(t, m.Register(&recordingService{name: "b", log: &log}))
	require.Error(t, m.Register(&recordingService{name: "a", log: &log}), "duplicate names are rejected")

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.Error(t, m.Register(&recordingService{name: "late", log: &log}))
	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, log)
	assert.Equal(t, []string{"a", "b"}, m.Names())
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	m := NewManager()
	require.NoError(t, m.Register(&recordingService{name: "a", log: &log}))
	require.NoError(t, m.Register(&recordingService{name: "b", startErr: boom, log: &log}))

	err := m.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start:a", "stop:a"}, log)

	require.NoError(t, m.Stop(context.Background()), "stop after a failed start is a no-op")
}
