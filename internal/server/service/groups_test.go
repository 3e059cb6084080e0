package service

import (
	"context"
	"testing"

	"burnlink/internal/server/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupRequest(count int) GroupRequest {
	env := envelope()
	return GroupRequest{
		EncryptedData:  env.EncryptedData,
		IV:             env.IV,
		Salt:           env.Salt,
		RecipientCount: count,
	}
}

func TestMessageService_CreateGroup(t *testing.T) {
	t.Run("fans out distinct tokens over one envelope", func(t *testing.T) {
		f := newFixture(t)

		res, err := f.messages.CreateGroup(context.Background(), groupRequest(5))
		require.NoError(t, err)
		require.Len(t, res.Links, 5)
		assert.Equal(t, 5, res.RecipientCount)

		seen := map[string]bool{}
		for i, link := range res.Links {
			assert.Equal(t, i, link.RecipientIndex)
			assert.False(t, seen[link.Token], "duplicate token")
			seen[link.Token] = true
			assert.Equal(t, "https://burn.test/m/"+link.Token, link.URL)

			got, err := f.messages.Fetch(context.Background(), database.Token(link.Token), FetchOptions{})
			require.NoError(t, err)
			assert.Equal(t, envelope().EncryptedData, got.EncryptedData)
			require.NotNil(t, got.GroupID)
			assert.Equal(t, res.GroupID, *got.GroupID)
		}
	})

	t.Run("rejects recipient count out of range", func(t *testing.T) {
		f := newFixture(t)
		for _, n := range []int{0, -1, 101} {
			_, err := f.messages.CreateGroup(context.Background(), groupRequest(n))
			assert.ErrorIs(t, err, ErrRecipientCount)
			assert.ErrorIs(t, err, ErrConflict)
		}
	})

	t.Run("accepts recipient count bounds", func(t *testing.T) {
		f := newFixture(t)
		for _, n := range []int{1, 100} {
			res, err := f.messages.CreateGroup(context.Background(), groupRequest(n))
			require.NoError(t, err)
			assert.Len(t, res.Links, n)
		}
	})
}

func TestMessageService_GroupBurnOnFirstView(t *testing.T) {
	f := newFixture(t)
	req := groupRequest(5)
	req.BurnOnFirstView = true
	res, err := f.messages.CreateGroup(context.Background(), req)
	require.NoError(t, err)

	got, err := f.messages.Consume(context.Background(), database.Token(res.Links[2].Token))
	require.NoError(t, err)
	assert.True(t, got.GroupBurned)
	require.NotNil(t, got.GroupID)
	assert.Equal(t, res.GroupID, *got.GroupID)

	for i, link := range res.Links {
		if i == 2 {
			continue
		}
		_, err := f.messages.Fetch(context.Background(), database.Token(link.Token), FetchOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = f.messages.Consume(context.Background(), database.Token(link.Token))
		assert.ErrorIs(t, err, ErrNotFound)
	}

	_, err = f.repo.GetGroup(context.Background(), res.GroupID)
	assert.ErrorIs(t, err, database.ErrGroupNotFound)
}

func TestMessageService_GroupViewCap(t *testing.T) {
	f := newFixture(t)
	req := groupRequest(5)
	req.MaxViews = ptr(3)
	res, err := f.messages.CreateGroup(context.Background(), req)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := f.messages.Consume(context.Background(), database.Token(res.Links[i].Token))
		require.NoError(t, err)
		assert.Equal(t, i == 2, got.GroupBurned)
	}

	for _, link := range res.Links[3:] {
		_, err := f.messages.Consume(context.Background(), database.Token(link.Token))
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestMessageService_GroupWithoutBurnRule(t *testing.T) {
	f := newFixture(t)
	res, err := f.messages.CreateGroup(context.Background(), groupRequest(3))
	require.NoError(t, err)

	for _, link := range res.Links {
		got, err := f.messages.Consume(context.Background(), database.Token(link.Token))
		require.NoError(t, err)
		assert.False(t, got.GroupBurned)
	}

	group, err := f.repo.GetGroup(context.Background(), res.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 3, group.AccessedCount)
}

func TestMessageService_OnSiblingAccessedIdempotent(t *testing.T) {
	f := newFixture(t)
	req := groupRequest(2)
	req.BurnOnFirstView = true
	res, err := f.messages.CreateGroup(context.Background(), req)
	require.NoError(t, err)

	burned, err := f.messages.OnSiblingAccessed(context.Background(), res.GroupID)
	require.NoError(t, err)
	assert.True(t, burned)

	burned, err = f.messages.OnSiblingAccessed(context.Background(), res.GroupID)
	require.NoError(t, err)
	assert.False(t, burned)
}
