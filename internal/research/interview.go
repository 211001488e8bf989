package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/judge"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/schema"
)

// Tool names offered to the judge.
const (
	ToolProposeSchema = "propose_schema"
	ToolConfirmSchema = "confirm_schema"
)

// Bounds on generated schemas.
const (
	minSchemaFields = 8
	maxSchemaFields = 15
)

var proposeSchemaTool = judge.Tool{
	Name:        ToolProposeSchema,
	Description: "Call this once you understand what the buyer wants well enough to choose the attributes listings should be compared on.",
	Properties: map[string]any{
		"criteria_summary": map[string]any{
			"type":        "string",
			"description": "Everything the buyer asked for: product, budget, must-haves, deal breakers.",
		},
	},
	Required: []string{"criteria_summary"},
}

var confirmSchemaTool = judge.Tool{
	Name:        ToolConfirmSchema,
	Description: "Call this when the buyer accepts the proposed attribute list as it is.",
	Properties:  map[string]any{},
}

const interviewSystemText = `You are a shopping research assistant interviewing a buyer before searching marketplace listings.
The buyer's initial request: %s

Ask short, concrete questions about budget, condition, must-have features and deal breakers, one or two at a time.
When you know enough to compare listings, call the propose_schema tool instead of replying.`

const schemaSystemText = "You design data extraction schemas for comparing marketplace listings. Return a single JSON object and nothing else."

const schemaPrompt = `Buyer criteria:
%s

Design between %d and %d fields to extract from each listing so that listings can be filtered and compared on these criteria. Cover technical specifications and the item's condition.
Use only the types "str", "int", "float" and "bool". Use snake_case field names.

Return JSON: {"name": "<short schema name>", "fields": {"<field_name>": {"type": "<type>", "description": "<what to extract>"}}}`

const reviseSystemText = "You revise data extraction schemas for comparing marketplace listings based on buyer feedback."

const revisePrompt = `Buyer criteria:
%s

Current schema:
%s

The buyer replied: %s

If the buyer accepts the schema as it is, call the confirm_schema tool.
Otherwise return the complete revised schema, keeping between %d and %d fields, as JSON: {"name": "<short schema name>", "fields": {"<field_name>": {"type": "<type>", "description": "<what to extract>"}}}`

// defaultSchema is proposed when the judge cannot produce a usable one.
func defaultSchema() *model.ExtractionSchema {
	return &model.ExtractionSchema{
		Name:        "default",
		Description: "Fallback schema",
		Fields: []model.FieldDef{
			{Name: "brand", Type: model.FieldString, Description: "Brand of the item"},
			{Name: "model", Type: model.FieldString, Description: "Model name or number"},
			{Name: "price", Type: model.FieldInt, Description: "Asking price"},
			{Name: "condition", Type: model.FieldString, Description: "New or used, and visible wear"},
			{Name: "year", Type: model.FieldInt, Description: "Year of manufacture"},
		},
	}
}

// interviewMessages replays the recorded turns followed by the new message.
func interviewMessages(sess *model.ResearchSession, text string) []judge.Message {
	msgs := make([]judge.Message, 0, 2*len(sess.InterviewData)+1)
	for _, turn := range sess.InterviewData {
		msgs = append(msgs, judge.Message{Role: "user", Text: turn.Answer})
		if turn.Question != "" {
			msgs = append(msgs, judge.Message{Role: "assistant", Text: turn.Question})
		}
	}
	return append(msgs, judge.Message{Role: "user", Text: text})
}

// criteriaFrom assembles criteria from the interview when the judge's
// summary is empty.
func criteriaFrom(sess *model.ResearchSession, text string) string {
	parts := []string{sess.QueryText}
	for _, turn := range sess.InterviewData {
		if turn.Answer != "" && turn.Answer != sess.QueryText {
			parts = append(parts, turn.Answer)
		}
	}
	if text != sess.QueryText {
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n")
}

// generateSchema asks the judge for a schema covering criteria. Failures fall
// back to defaultSchema.
func (e *Engine) generateSchema(ctx context.Context, sessionID, criteria string) *model.ExtractionSchema {
	log := zap.L().With(zap.String("session_id", sessionID))

	req := judge.Prompt("schema", schemaSystemText,
		fmt.Sprintf(schemaPrompt, criteria, minSchemaFields, maxSchemaFields))
	res, err := e.judge.Call(ctx, req)
	if err != nil {
		log.Warn("research: schema generation failed, using default", zap.Error(err))
		return defaultSchema()
	}
	sch, ok := parseSchemaAnswer(res.Text)
	if !ok {
		log.Warn("research: schema answer unusable, using default")
		return defaultSchema()
	}
	return sch
}

// reviseSchema applies feedback to the current proposal. confirmed reports
// that the judge read the feedback as acceptance.
func (e *Engine) reviseSchema(ctx context.Context, sess *model.ResearchSession, feedback string) (sch *model.ExtractionSchema, confirmed bool) {
	log := zap.L().With(zap.String("session_id", sess.ID))

	current := sess.ProposedSchema
	req := judge.Prompt("revise", reviseSystemText,
		fmt.Sprintf(revisePrompt, sess.Criteria, schema.Build(current).FieldList(), feedback, minSchemaFields, maxSchemaFields))
	req.Tools = []judge.Tool{confirmSchemaTool}

	res, err := e.judge.Call(ctx, req)
	if err != nil {
		log.Warn("research: schema revision failed, regenerating", zap.Error(err))
		return e.generateSchema(ctx, sess.ID, sess.Criteria+"\nRequested changes: "+feedback), false
	}
	if res.IsToolCall(ToolConfirmSchema) {
		return current, true
	}
	revised, ok := parseSchemaAnswer(res.Text)
	if !ok {
		log.Warn("research: revised schema unusable, keeping current proposal")
		return current, false
	}
	return revised, false
}

// parseSchemaAnswer reads {"name", "description", "fields"} or a bare field
// map, keeping field order and capping the field count.
func parseSchemaAnswer(text string) (*model.ExtractionSchema, bool) {
	var whole json.RawMessage
	if err := judge.DecodeObject(text, &whole); err != nil {
		return nil, false
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(whole, &envelope); err != nil {
		return nil, false
	}

	sch := &model.ExtractionSchema{Name: "proposal"}
	def := whole
	if fields, ok := envelope["fields"]; ok {
		def = fields
		if name := rawString(envelope["name"]); name != "" {
			sch.Name = name
		}
		sch.Description = rawString(envelope["description"])
	}

	v := schema.Build(def)
	if v.Empty() {
		return nil, false
	}
	sch.Fields = v.Fields()
	if len(sch.Fields) > maxSchemaFields {
		sch.Fields = sch.Fields[:maxSchemaFields]
	}
	return sch, true
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// renderProposal formats a schema proposal for the buyer.
func renderProposal(sch *model.ExtractionSchema) string {
	var b strings.Builder
	b.WriteString("I will compare listings on these attributes:\n")
	for _, f := range sch.Fields {
		fmt.Fprintf(&b, "- %s (%s)", f.Name, f.Type)
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nReply \"yes\" to start the search, or tell me what to change.")
	return b.String()
}
