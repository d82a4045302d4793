package watcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagerWalksAllPagesInOrder(t *testing.T) {
	mailbox := &fakeMailbox{
		entries: []ChangeEntry{
			entry(11, "a"),
			entry(12, "b"),
			entry(13, "c"),
		},
		pageSize: 2,
	}
	pager := NewHistoryPager(mailbox, 11, messageAddedEvents)

	first, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Len(t, first.Entries, 2)
	assert.Equal(t, Cursor(11), first.Entries[0].Cursor)

	second, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Len(t, second.Entries, 1)
	assert.Equal(t, Cursor(13), second.Entries[0].Cursor)

	done, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, done)
	assert.Equal(t, 2, mailbox.listCalls, "no extra fetch after the last page")
}

func TestPagerFirstFetchHappensEvenWithoutToken(t *testing.T) {
	mailbox := &fakeMailbox{}
	pager := NewHistoryPager(mailbox, 5, messageAddedEvents)

	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Empty(t, page.Entries)
	assert.Equal(t, 1, mailbox.listCalls)

	done, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestPagerStaysExhausted(t *testing.T) {
	mailbox := &fakeMailbox{entries: []ChangeEntry{entry(11, "a")}}
	pager := NewHistoryPager(mailbox, 11, messageAddedEvents)

	_, err := pager.Next(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		page, err := pager.Next(context.Background())
		require.NoError(t, err)
		assert.Nil(t, page)
	}
	assert.Equal(t, 1, mailbox.listCalls)
}

func TestPagerPropagatesFetchErrors(t *testing.T) {
	boom := errors.New("boom")
	mailbox := &fakeMailbox{listErr: boom}
	pager := NewHistoryPager(mailbox, 11, messageAddedEvents)

	_, err := pager.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}
