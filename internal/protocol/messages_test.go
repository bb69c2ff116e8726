package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostTopicsIncludesLegacyPrefixes(t *testing.T) {
	assert.Equal(t,
		[]string{"host:abc_def_ghi", "host:abc_def", "host:abc"},
		HostTopics("ABC_def_ghi"))
	assert.Equal(t, []string{"host:plain"}, HostTopics("plain"))
	assert.Nil(t, HostTopics(""))
}

func TestHostTopicsSkipsEmptyPrefix(t *testing.T) {
	assert.Equal(t, []string{"host:_lead"}, HostTopics("_lead"))
}

func TestEncodeRoundTripsEnvelope(t *testing.T) {
	data, err := Encode(TypeApprovalStatus, ApprovalStatusPayload{Approved: true})
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, TypeApprovalStatus, msg.Type)

	var p ApprovalStatusPayload
	require.NoError(t, msg.ParsePayload(&p))
	assert.True(t, p.Approved)
}

func TestParsePayloadEmpty(t *testing.T) {
	msg := Message{Type: TypeClimax}
	var p SlugPayload
	require.NoError(t, msg.ParsePayload(&p))
	assert.Empty(t, p.Slug)
}
