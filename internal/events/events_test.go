package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/worktreed/internal/config"
)

func TestSubject(t *testing.T) {
	require.Equal(t, "worktreed.worktree.ensured", Subject("worktreed", TypeWorktreeEnsured))
	require.Equal(t, "a.b.worktree.reaped", Subject(" a.b. ", TypeWorktreeReaped))
	require.Equal(t, "worktree.ensured", Subject("", TypeWorktreeEnsured))
}

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p, err := NewPublisher(config.EventsConfig{Subject: "worktreed"})
	require.NoError(t, err)
	require.IsType(t, NoopPublisher{}, p)
	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeWorktreeEnsured}))
	require.NoError(t, p.Close())
}

func TestNATSPublisherEncodesEvent(t *testing.T) {
	var gotSubject string
	var gotData []byte
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &NATSPublisher{
		prefix: "worktreed",
		publish: func(subject string, data []byte) error {
			gotSubject, gotData = subject, data
			return nil
		},
		now: func() time.Time { return fixed },
	}

	err := p.Publish(context.Background(), Event{
		Type:         TypeWorktreeEnsured,
		TaskRunID:    "run-1",
		Branch:       "feature-x",
		WorktreePath: "/tmp/wt",
	})
	require.NoError(t, err)
	require.Equal(t, "worktreed.worktree.ensured", gotSubject)

	var decoded Event
	require.NoError(t, json.Unmarshal(gotData, &decoded))
	require.Equal(t, "run-1", decoded.TaskRunID)
	require.True(t, fixed.Equal(decoded.Timestamp))
	require.NoError(t, p.Close())
}

func TestNATSPublisherReportsPublishFailure(t *testing.T) {
	p := &NATSPublisher{
		publish: func(string, []byte) error { return errors.New("no connection") },
		now:     time.Now,
	}
	err := p.Publish(context.Background(), Event{Type: TypeWorktreeReaped})
	require.ErrorContains(t, err, "no connection")
}

func TestNewNATSPublisherRequiresURL(t *testing.T) {
	_, err := NewNATSPublisher(config.EventsConfig{})
	require.Error(t, err)
}
