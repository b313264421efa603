//go:build integration

package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-builder/pkg/testhelpers"
)

func TestRedisCreationLease_Exclusive(t *testing.T) {
	client := testhelpers.GetTestRedis(t)
	ctx := context.Background()
	projectID := uuid.New()

	a := NewCreationLease(client, 5*time.Second)
	b := NewCreationLease(client, 5*time.Second)

	release, acquired, err := a.Acquire(ctx, projectID)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = b.Acquire(ctx, projectID)
	require.NoError(t, err)
	assert.False(t, acquired, "second instance must wait")

	// Other projects are independent.
	otherRelease, acquired, err := b.Acquire(ctx, uuid.New())
	require.NoError(t, err)
	assert.True(t, acquired)
	otherRelease()

	release()

	releaseB, acquired, err := b.Acquire(ctx, projectID)
	require.NoError(t, err)
	assert.True(t, acquired)
	releaseB()
}

func TestRedisCreationLease_StaleReleaseKeepsNewHolder(t *testing.T) {
	client := testhelpers.GetTestRedis(t)
	ctx := context.Background()
	projectID := uuid.New()

	short := NewCreationLease(client, 200*time.Millisecond)
	staleRelease, acquired, err := short.Acquire(ctx, projectID)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(400 * time.Millisecond)

	holder := NewCreationLease(client, 5*time.Second)
	release, acquired, err := holder.Acquire(ctx, projectID)
	require.NoError(t, err)
	require.True(t, acquired, "expired lease can be re-taken")
	defer release()

	// The expired holder's release must not drop the new holder's lease.
	staleRelease()

	_, acquired, err = short.Acquire(ctx, projectID)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestCreateOrGetSandbox_RedisLeaseAcrossInstances(t *testing.T) {
	client := testhelpers.GetTestRedis(t)
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.newProject("e2b")
	h.e2b.CreateDelay = 300 * time.Millisecond

	first := h.instance(NewCreationLease(client, 10*time.Second))
	second := h.instance(NewCreationLease(client, 10*time.Second))

	type outcome struct {
		id  string
		err error
	}
	results := make(chan outcome, 2)
	for _, svc := range []SandboxService{first, second} {
		go func() {
			info, err := svc.CreateOrGetSandbox(ctx, projectID, CreateSandboxOptions{})
			o := outcome{err: err}
			if info != nil {
				o.id = info.SandboxID
			}
			results <- o
		}()
	}

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.id, b.id)
	assert.Equal(t, 1, h.e2b.CreateCalls())
}
