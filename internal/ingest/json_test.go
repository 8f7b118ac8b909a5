package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/model"
)

func TestParseJSONAliases(t *testing.T) {
	fields, err := ParseJSONBytes([]byte(`{
		"Type": "message",
		"guild": 1181234567890123456,
		"channel": "c1",
		"user_id": "u1",
		"text": "hello",
		"roles": ["r1", 42],
		"bot": false,
		"meta": {"ignored": true}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "message", fields.Kind)
	assert.Equal(t, "1181234567890123456", fields.GuildID)
	assert.Equal(t, "c1", fields.ChannelID)
	assert.Equal(t, "u1", fields.AuthorID)
	assert.Equal(t, "hello", fields.Content)
	assert.Equal(t, []string{"r1", "42"}, fields.AuthorRoles)
	assert.Equal(t, "false", fields.AuthorBot)
	assert.NotContains(t, fields.Extras, "meta")
}

func TestDecodeLine(t *testing.T) {
	ev, err := DecodeLine([]byte("   \n"), "test")
	assert.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = DecodeLine([]byte(`{"id":"m1","guild_id":"g1","author_id":"u1","content":"hi","timestamp":"2024-05-01T12:00:00Z"}`), "test")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.KindMessageCreate, ev.Kind)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, model.ChannelText, ev.ChannelKind)
	assert.Equal(t, "test", ev.Source)
	assert.Equal(t, 2024, ev.Timestamp.Year())

	ev, err = DecodeLine([]byte(`{"guild_id":"g1","author_id":"u1","nick_after":"ʙᴏʙ"}`), "test")
	require.NoError(t, err)
	assert.Equal(t, model.KindMemberUpdate, ev.Kind)

	ev, err = DecodeLine([]byte(`{"kind":"member_update","guild_id":"g1","author_id":"u1","nick_before":"bob","username":"𝕕𝕠𝕘"}`), "test")
	require.NoError(t, err)
	assert.Empty(t, ev.NickAfter)
	assert.Equal(t, "𝕕𝕠𝕘", ev.AuthorName)

	_, err = DecodeLine([]byte(`{"guild_id":"g1","content":"hi"}`), "test")
	assert.Error(t, err)

	_, err = DecodeLine([]byte(`not json`), "test")
	assert.Error(t, err)
}
