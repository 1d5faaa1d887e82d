package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCitizenIDToleratesBothEncodings(t *testing.T) {
	cases := map[string]string{
		`{"idCitizen":"6787452390"}`:   "6787452390",
		`{"idCitizen":6787452390}`:     "6787452390",
		`{"idCitizen":null}`:           "",
		`{}`:                           "",
		`{"idCitizen":" 6787452390 "}`: " 6787452390 ",
	}
	for payload, want := range cases {
		event, err := Decode[DocumentsReady](([]byte)(payload))
		require.NoError(t, err, payload)
		assert.Equal(t, want, string(event.CitizenID), payload)
	}
}

func TestDecodeFoldsIntoMalformedSentinel(t *testing.T) {
	_, err := Decode[DocumentsReady]([]byte(`{broken`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestRegisterCompletedSuccessRange(t *testing.T) {
	assert.True(t, RegisterCompleted{StatusCode: 200}.Success())
	assert.True(t, RegisterCompleted{StatusCode: 201}.Success())
	assert.False(t, RegisterCompleted{StatusCode: 299 + 1}.Success())
	assert.False(t, RegisterCompleted{StatusCode: 501}.Success())
	assert.False(t, RegisterCompleted{StatusCode: 0}.Success())
}
