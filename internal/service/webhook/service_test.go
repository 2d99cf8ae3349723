package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splax/saturn/internal/apperr"
	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository/sqlite/sqlitetest"
)

type recordingQueue struct {
	targets []domain.DeployTarget
}

func (q *recordingQueue) Queue(_ context.Context, target domain.DeployTarget) (*domain.QueueEntry, error) {
	q.targets = append(q.targets, target)
	return &domain.QueueEntry{DeploymentUUID: "dep-1", ResourceUUID: target.Resource.UUID}, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	body := []byte(`{"after":"abc"}`)
	require.NoError(t, ValidateSignature(body, []byte("s3cret"), sign("s3cret", body)))
	require.NoError(t, ValidateSignature(body, []byte("s3cret"), "sha256="+sign("s3cret", body)))
	require.ErrorIs(t, ValidateSignature(body, []byte("s3cret"), ""), ErrMissingSignature)
	require.ErrorIs(t, ValidateSignature(body, []byte("s3cret"), sign("other", body)), ErrInvalidSignature)
}

func TestHandleQueuesForResourceTeam(t *testing.T) {
	repo := sqlitetest.Open(t)
	queue := &recordingQueue{}
	svc := New(repo, repo, queue, nil, "encryption-key")
	res := sqlitetest.Resource(t, repo, "team-a", "srv-1")
	ctx := context.Background()
	writer := authz.FromAbilities("team-a", "tok", []string{"write"})

	require.NoError(t, svc.SetSecret(ctx, writer, res.UUID, "s3cret"))
	stored, err := repo.GetWebhookSecret(ctx, res.ID)
	require.NoError(t, err)
	require.NotContains(t, string(stored.Secret), "s3cret")

	body := []byte(`{"pull_request":7,"after":"deadbeef","ref":"refs/heads/main"}`)
	entry, err := svc.Handle(ctx, res.UUID, body, sign("s3cret", body))
	require.NoError(t, err)
	require.Equal(t, "dep-1", entry.DeploymentUUID)
	require.Len(t, queue.targets, 1)
	require.Equal(t, "team-a", queue.targets[0].Resource.TeamID)
	require.Equal(t, 7, queue.targets[0].PullRequestID)
	require.Equal(t, "deadbeef", queue.targets[0].CommitSHA)
}

func TestHandleRejectsBadSignature(t *testing.T) {
	repo := sqlitetest.Open(t)
	queue := &recordingQueue{}
	svc := New(repo, repo, queue, nil, "encryption-key")
	res := sqlitetest.Resource(t, repo, "team-a", "srv-1")
	ctx := context.Background()
	require.NoError(t, svc.SetSecret(ctx, authz.FromAbilities("team-a", "tok", []string{"root"}), res.UUID, "s3cret"))

	_, err := svc.Handle(ctx, res.UUID, []byte(`{}`), sign("wrong", []byte(`{}`)))
	require.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	require.True(t, errors.Is(err, ErrInvalidSignature))
	require.Empty(t, queue.targets)
}

func TestSetSecretScopesToTeam(t *testing.T) {
	repo := sqlitetest.Open(t)
	svc := New(repo, repo, &recordingQueue{}, nil, "encryption-key")
	res := sqlitetest.Resource(t, repo, "team-a", "srv-1")
	ctx := context.Background()

	err := svc.SetSecret(ctx, authz.FromAbilities("team-b", "tok", []string{"write"}), res.UUID, "s3cret")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = svc.SetSecret(ctx, authz.FromAbilities("team-a", "tok", []string{"read"}), res.UUID, "s3cret")
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = svc.Handle(ctx, res.UUID, []byte(`{}`), "abc")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
