package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		meta    Metadata
		wantErr bool
	}{
		{"nil", nil, false},
		{"known keys", Metadata{MetaJobID: "job_1", MetaSubject: "Welcome"}, false},
		{"custom prefixed key", Metadata{"x-booking-id": "b-42"}, false},
		{"bare prefix", Metadata{"x-": "nope"}, true},
		{"unknown key", Metadata{"bookingId": "b-42"}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.meta.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestMetadata_Merge(t *testing.T) {
	t.Parallel()

	base := Metadata{MetaJobID: "job_1", MetaSubject: "Old"}
	merged := base.Merge(Metadata{MetaSubject: "New"})

	assert.Equal(t, "New", merged[MetaSubject])
	assert.Equal(t, "job_1", merged[MetaJobID])
	assert.Equal(t, "Old", base[MetaSubject])
}

func TestPriority_Rank(t *testing.T) {
	t.Parallel()

	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("").Rank())
}

func TestParseEmailStatus(t *testing.T) {
	t.Parallel()

	st, ok := ParseEmailStatus(" Delivered ")
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, st)

	_, ok = ParseEmailStatus("deferred")
	assert.False(t, ok)
}

func TestEmailAnalytic_SetTime(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	var rec EmailAnalytic
	for _, st := range EmailStatuses {
		rec.SetTime(st, now)
		assert.NotEmpty(t, st.TimeField())
	}

	assert.Equal(t, now, rec.SendTime)
	require.NotNil(t, rec.DeliveryTime)
	require.NotNil(t, rec.UnsubscribeTime)
	assert.Equal(t, now, *rec.BounceTime)
}

func TestNewID(t *testing.T) {
	t.Parallel()

	a, b := NewID("job"), NewID("job")
	assert.True(t, strings.HasPrefix(a, "job_"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("job_")+26)
}
