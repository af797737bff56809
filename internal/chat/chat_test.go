package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ladder = []Status{Pending, Error, Sending, Sent, Delivered, Seen}

func TestLadderOrdinals(t *testing.T) {
	for i, s := range ladder {
		assert.Equal(t, i, int(s), "ordinal of %s", s)
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	assert.False(t, Status(9).Valid())
}

func TestMergeNeverRegresses(t *testing.T) {
	for _, existing := range ladder {
		for _, incoming := range ladder {
			got := Merge(existing, incoming)
			assert.GreaterOrEqual(t, int(got), int(existing), "Merge(%s, %s)", existing, incoming)
		}
	}
}

func TestMergeIgnoresInboundError(t *testing.T) {
	assert.Equal(t, Pending, Merge(Pending, Error))
	assert.Equal(t, Sending, Merge(Sending, Error))
}

func TestMergeServerOverridesLocalError(t *testing.T) {
	for _, s := range []Status{Sent, Delivered, Seen} {
		assert.Equal(t, s, Merge(Error, s))
	}
}

func TestFail(t *testing.T) {
	for _, s := range []Status{Pending, Error, Sending} {
		got, ok := Fail(s)
		assert.True(t, ok, s.String())
		assert.Equal(t, Error, got)
	}
	for _, s := range []Status{Sent, Delivered, Seen} {
		got, ok := Fail(s)
		assert.False(t, ok, s.String())
		assert.Equal(t, s, got)
	}
}

func TestMarkerTargets(t *testing.T) {
	assert.Equal(t, Delivered, MarkerDelivered.Target())
	assert.Equal(t, Seen, MarkerSeen.Target())

	k, err := ParseMarkerKind("read")
	require.NoError(t, err)
	assert.Equal(t, MarkerSeen, k)
	_, err = ParseMarkerKind("bogus")
	assert.Error(t, err)
}

func TestReconcileInsert(t *testing.T) {
	in := &Message{ExternalID: "m1", Body: String("hi"), ArchiveID: Int64(7)}
	d := Reconcile(nil, in)
	assert.Equal(t, Insert, d.Action)
	assert.Equal(t, Sent, d.Status, "server data is at least sent")
	require.NotNil(t, d.ArchiveID)
	assert.Equal(t, int64(7), *d.ArchiveID)

	d = Reconcile(nil, &Message{ExternalID: "m2", Status: Seen})
	assert.Equal(t, Seen, d.Status)
}

func TestReconcileUpdateKeepsContent(t *testing.T) {
	cur := &Message{ID: 1, ExternalID: "m1", Body: String("hi"), Status: Delivered, ArchiveID: Int64(3)}
	d := Reconcile(cur, &Message{ExternalID: "m1", Body: String("hi"), Status: Sent, ArchiveID: Int64(9)})
	assert.Equal(t, Update, d.Action)
	assert.Equal(t, Delivered, d.Status)
	assert.False(t, d.StatusChanged)
	assert.Equal(t, int64(9), *d.ArchiveID, "archive id always follows the server")
	assert.False(t, d.Anomaly)

	d = Reconcile(cur, &Message{ExternalID: "m1", Body: String("other")})
	assert.True(t, d.Anomaly)
	assert.Equal(t, int64(3), *d.ArchiveID, "missing archive id keeps the stored one")
}

func TestReconcileBindsEcho(t *testing.T) {
	cur := &Message{ID: 4, ClientID: "c1", Status: Sending}
	d := Reconcile(cur, &Message{ExternalID: "m1", ClientID: "c1"})
	assert.Equal(t, Bind, d.Action)
	assert.Equal(t, Sent, d.Status)
	assert.True(t, d.StatusChanged)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"rejected", fmt.Errorf("send: %w", Rejected("forbidden")), ProtocolRejection},
		{"duplicate", &DuplicateExternalIDError{ExternalID: "m1"}, DuplicateExternalID},
		{"storage", Storage("upsert", errors.New("disk full")), StorageFailure},
		{"timeout", fmt.Errorf("fetch: %w", context.DeadlineExceeded), NetworkFailure},
		{"mismatch", &ContentMismatchError{LocalID: 1}, Anomaly},
		{"other", errors.New("connection reset"), NetworkFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.True(t, Retryable(errors.New("eof")))
	assert.False(t, Retryable(Rejected("no")))
	assert.Nil(t, Storage("x", nil))
}
