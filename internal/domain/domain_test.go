package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestPersonalWorkspace(t *testing.T) {
	ws := PersonalWorkspace(Identity{ID: "u1", Name: "Asha"})
	assert.Equal(t, "personal_u1", ws.ID)
	assert.Equal(t, []string{"u1"}, ws.Members)
	assert.Equal(t, []string{"u1"}, ws.AdminIDs)
	assert.Empty(t, ws.JoinCode)
	assert.True(t, IsPersonalWorkspace(ws.ID))
	assert.False(t, IsPersonalWorkspace("t1"))
}

func TestToggleAdminDoesNotAlias(t *testing.T) {
	team := Team{ID: "t1", Members: []string{"a", "b"}, AdminIDs: []string{"a"}}
	promoted := team.ToggleAdmin("b")
	assert.True(t, promoted.IsAdmin("b"))
	assert.False(t, team.IsAdmin("b"))

	demoted := promoted.ToggleAdmin("a")
	assert.False(t, demoted.IsAdmin("a"))
	assert.True(t, promoted.IsAdmin("a"))
}

func TestContentRoundTripJSON(t *testing.T) {
	c := Comment{ID: "c1", UserID: "saathi-ai", Content: AITranscript([]ChatMessage{
		{Role: "user", Content: "status?", Timestamp: "2024-01-01T00:00:00Z"},
		{Role: "assistant", Content: "all good", Timestamp: "2024-01-01T00:00:01Z"},
	})}
	b, err := json.Marshal(c)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Contains(t, raw["content"], "[AI_SESSION]{\"messages\":[")

	var back Comment
	require.NoError(t, json.Unmarshal(b, &back))
	require.True(t, back.Content.IsTranscript())
	assert.Len(t, back.Content.Transcript, 2)
	assert.Equal(t, "all good", back.Content.Transcript[1].Content)
}

func TestContentRoundTripBSON(t *testing.T) {
	in := Task{ID: "t1", Comments: []Comment{
		{ID: "c1", Content: PlainText("hello")},
		{ID: "c2", Content: AITranscript([]ChatMessage{{Role: "user", Content: "hi"}})},
	}, DueDate: "2024-05-01"}
	b, err := bson.Marshal(in)
	require.NoError(t, err)

	var out Task
	require.NoError(t, bson.Unmarshal(b, &out))
	assert.Equal(t, "hello", out.Comments[0].Content.Text)
	assert.True(t, out.Comments[1].Content.IsTranscript())
	assert.Equal(t, Date("2024-05-01"), out.DueDate)
}

func TestParseContentMalformedTranscriptStaysText(t *testing.T) {
	c := ParseContent("[AI_SESSION]{not json")
	assert.False(t, c.IsTranscript())
	assert.Equal(t, "[AI_SESSION]{not json", c.Text)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-09")
	require.NoError(t, err)
	assert.Equal(t, Date("2024-03-09"), d)

	d, err = ParseDate("2024-03-09T22:10:00Z")
	require.NoError(t, err)
	assert.Equal(t, Date("2024-03-09"), d)

	_, err = ParseDate("09/03/2024")
	assert.Error(t, err)
	_, err = ParseDate("2024-3-9")
	assert.Error(t, err)
}

func TestDateOnOrBefore(t *testing.T) {
	assert.True(t, Date("2024-03-09").OnOrBefore("2024-03-09"))
	assert.True(t, Date("2024-02-29").OnOrBefore("2024-03-01"))
	assert.False(t, Date("2024-03-10").OnOrBefore("2024-03-09"))
	assert.False(t, Date("").OnOrBefore("2024-03-09"))
	assert.False(t, Date("March 1").OnOrBefore("2024-03-09"))
}

func TestStoredTimestampDueDateNormalized(t *testing.T) {
	var task Task
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","dueDate":"2024-06-01T10:00:00.000Z"}`), &task))
	assert.Equal(t, Date("2024-06-01"), task.DueDate)
}

func TestParseStatusAndPriority(t *testing.T) {
	s, err := ParseStatus("in_progress")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, s)
	_, err = ParseStatus("done")
	assert.Error(t, err)

	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := Task{ID: "t", Logs: []ActivityLog{{ID: "l1"}}, Comments: []Comment{{ID: "c", Content: AITranscript([]ChatMessage{{Role: "user"}})}}}
	cp := orig.Clone()
	cp.Logs[0].Action = "changed"
	cp.Comments[0].Content.Transcript[0].Role = "assistant"
	assert.Empty(t, orig.Logs[0].Action)
	assert.Equal(t, "user", orig.Comments[0].Content.Transcript[0].Role)
}
