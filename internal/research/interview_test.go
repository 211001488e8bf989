package research

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deep-research/internal/model"
)

func TestParseSchemaAnswer_Envelope(t *testing.T) {
	sch, ok := parseSchemaAnswer("Here you go:\n```json\n" + laptopSchemaAnswer + "\n```")
	require.True(t, ok)
	assert.Equal(t, "laptops", sch.Name)
	assert.Equal(t, []string{"cpu", "ram_gb", "battery_cycles"}, sch.FieldNames())
	assert.Equal(t, model.FieldInt, sch.Fields[1].Type)
}

func TestParseSchemaAnswer_BareFieldMap(t *testing.T) {
	sch, ok := parseSchemaAnswer(`{"name": {"type": "str", "description": "model name"}, "price": "int"}`)
	require.True(t, ok)
	assert.Equal(t, "proposal", sch.Name)
	assert.Equal(t, []string{"name", "price"}, sch.FieldNames())
}

func TestParseSchemaAnswer_CapsFieldCount(t *testing.T) {
	parts := make([]string, 20)
	for i := range parts {
		parts[i] = fmt.Sprintf(`"f%02d": "str"`, i)
	}
	sch, ok := parseSchemaAnswer(`{"fields": {` + strings.Join(parts, ", ") + `}}`)
	require.True(t, ok)
	assert.Len(t, sch.Fields, maxSchemaFields)
	assert.Equal(t, "f00", sch.Fields[0].Name)
}

func TestParseSchemaAnswer_Unusable(t *testing.T) {
	for _, answer := range []string{"", "I cannot help with that", `{"fields": {}}`, `[1, 2]`} {
		_, ok := parseSchemaAnswer(answer)
		assert.False(t, ok, answer)
	}
}

func TestInterviewMessages(t *testing.T) {
	sess := &model.ResearchSession{
		QueryText: "macbook",
		InterviewData: []model.InterviewTurn{
			{Answer: "macbook", Question: "Budget?", NeedsMoreInfo: true},
			{Answer: "800", Question: "Screen size?", NeedsMoreInfo: true},
		},
	}
	msgs := interviewMessages(sess, "14 inch")
	require.Len(t, msgs, 5)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "Budget?", msgs[1].Text)
	assert.Equal(t, "assistant", msgs[3].Role)
	assert.Equal(t, "14 inch", msgs[4].Text)
}

func TestCriteriaFrom(t *testing.T) {
	sess := &model.ResearchSession{
		QueryText:     "macbook",
		InterviewData: []model.InterviewTurn{{Answer: "macbook"}, {Answer: "under 800"}},
	}
	assert.Equal(t, "macbook\nunder 800\n16GB", criteriaFrom(sess, "16GB"))
}

func TestRenderProposal(t *testing.T) {
	out := renderProposal(defaultSchema())
	assert.Contains(t, out, "- price (int): Asking price")
	assert.True(t, strings.HasSuffix(out, `Reply "yes" to start the search, or tell me what to change.`))
}
