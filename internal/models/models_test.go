package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RequestStatus
		want     bool
	}{
		{StatusPending, StatusAccepted, true},
		{StatusAccepted, StatusPickedUp, true},
		{StatusPickedUp, StatusDelivering, true},
		{StatusDelivering, StatusDelivered, true},
		{StatusPending, StatusCancelled, true},
		{StatusDelivering, StatusCancelled, true},
		{StatusPending, StatusPickedUp, false},
		{StatusAccepted, StatusDelivered, false},
		{StatusPickedUp, StatusAccepted, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	for _, terminal := range []RequestStatus{StatusDelivered, StatusCancelled} {
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(terminal, to), "%s must not move to %s", terminal, to)
		}
	}
}

func TestPredecessor(t *testing.T) {
	from, ok := Predecessor(StatusPickedUp)
	require.True(t, ok)
	assert.Equal(t, StatusAccepted, from)

	_, ok = Predecessor(StatusPending)
	assert.False(t, ok)
	_, ok = Predecessor(StatusCancelled)
	assert.False(t, ok)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" picked_up ")
	require.NoError(t, err)
	assert.Equal(t, StatusPickedUp, st)

	_, err = ParseStatus("LOST")
	assert.Error(t, err)
}

func TestParseDeliveryMode(t *testing.T) {
	mode, err := ParseDeliveryMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeWalker, mode)

	mode, err = ParseDeliveryMode("Cyclist")
	require.NoError(t, err)
	assert.Equal(t, ModeCyclist, mode)

	_, err = ParseDeliveryMode("drone")
	assert.Error(t, err)
}

func TestSecretCodeNeverSerialized(t *testing.T) {
	req := Request{ID: "R1", Item: "Book", SecretCode: "4821", Status: StatusPending}

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "4821")
	assert.NotContains(t, string(raw), "secret")

	assert.Empty(t, req.Redacted().SecretCode)
	assert.Equal(t, "4821", req.SecretCode, "Redacted must not modify the receiver")
}
