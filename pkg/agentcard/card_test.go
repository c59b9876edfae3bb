package agentcard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoCard = `{
  "name": "HR Agent",
  "description": "Handles employee records for onboarding.",
  "url": "https://hr-agent.test",
  "version": "1.2.0",
  "capabilities": {"streaming": true},
  "skills": [
    {
      "id": "create_record",
      "name": "Create employee record",
      "description": "Creates the HR record for a new hire.",
      "tags": ["hr", "onboarding"],
      "examples": ["Create a record for Alice starting Monday."]
    },
    {"id": "lookup_record", "name": "Look up employee record"}
  ]
}`

func TestParse(t *testing.T) {
	card, err := Parse([]byte(demoCard))
	require.NoError(t, err)

	assert.Equal(t, "HR Agent", card.Name)
	assert.Equal(t, "https://hr-agent.test", card.URL)
	assert.Equal(t, "1.2.0", card.Version)
	assert.True(t, card.SupportsStreaming())
	require.Len(t, card.Skills, 2)
	assert.Equal(t, []string{"hr", "onboarding"}, card.Skills[0].Tags)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"Not JSON":           `{"name": `,
		"Missing Name":       `{"url": "https://a.test", "version": "1.0.0", "capabilities": {}, "skills": []}`,
		"Missing URL":        `{"name": "a", "version": "1.0.0", "capabilities": {}, "skills": []}`,
		"Missing Version":    `{"name": "a", "url": "https://a.test", "capabilities": {}, "skills": []}`,
		"Missing Skills":     `{"name": "a", "url": "https://a.test", "version": "1.0.0", "capabilities": {}}`,
		"Skill Missing ID":   `{"name": "a", "url": "https://a.test", "version": "1.0.0", "capabilities": {}, "skills": [{"name": "x"}]}`,
		"Streaming Not Bool": `{"name": "a", "url": "https://a.test", "version": "1.0.0", "capabilities": {"streaming": "yes"}, "skills": []}`,
		"Version Not Semver": `{"name": "a", "url": "https://a.test", "version": "latest", "capabilities": {}, "skills": []}`,
		"Version Empty":      `{"name": "a", "url": "https://a.test", "version": "", "capabilities": {}, "skills": []}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidCard)
		})
	}
}

func TestParseAcceptsEmptySkills(t *testing.T) {
	card, err := Parse([]byte(`{
		"name": "minimal",
		"url": "https://minimal.test",
		"version": "0.1.0",
		"capabilities": {},
		"skills": []
	}`))
	require.NoError(t, err)
	assert.False(t, card.SupportsStreaming())
	assert.Empty(t, card.Skills)
}

func TestSkillLookup(t *testing.T) {
	card, err := Parse([]byte(demoCard))
	require.NoError(t, err)

	s, ok := card.Skill("lookup_record")
	require.True(t, ok)
	assert.Equal(t, "Look up employee record", s.Name)

	_, ok = card.Skill("nope")
	assert.False(t, ok)
}
