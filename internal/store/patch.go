package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deep-research/internal/model"
)

type assignment struct {
	col string
	val any
}

// patchAssignments lists the columns a SessionPatch changes. encodeJSON
// converts marshaled JSON into the driver's preferred parameter type.
func patchAssignments(p model.SessionPatch, encodeJSON func([]byte) any) ([]assignment, error) {
	var out []assignment
	if p.Stage != nil {
		out = append(out, assignment{"stage", string(*p.Stage)})
	}
	if p.Status != nil {
		out = append(out, assignment{"status", string(*p.Status)})
	}
	if p.InterviewData != nil {
		b, err := json.Marshal(p.InterviewData)
		if err != nil {
			return nil, eris.Wrap(err, "marshal interview data")
		}
		out = append(out, assignment{"interview_data", encodeJSON(b)})
	}
	if p.Criteria != nil {
		out = append(out, assignment{"criteria", *p.Criteria})
	}
	switch {
	case p.ClearProposed:
		out = append(out, assignment{"proposed_schema", nil})
	case p.ProposedSchema != nil:
		b, err := json.Marshal(p.ProposedSchema)
		if err != nil {
			return nil, eris.Wrap(err, "marshal proposed schema")
		}
		out = append(out, assignment{"proposed_schema", encodeJSON(b)})
	}
	if p.SchemaID != nil {
		out = append(out, assignment{"schema_id", *p.SchemaID})
	}
	if p.Summary != nil {
		out = append(out, assignment{"summary", *p.Summary})
	}
	if p.Reasoning != nil {
		out = append(out, assignment{"reasoning", *p.Reasoning})
	}
	return out, nil
}

func decodeSessionJSON(sess *model.ResearchSession, interview []byte, proposed []byte) error {
	if len(interview) > 0 {
		if err := json.Unmarshal(interview, &sess.InterviewData); err != nil {
			return eris.Wrap(err, "unmarshal interview data")
		}
	}
	if len(proposed) > 0 {
		sess.ProposedSchema = &model.ExtractionSchema{}
		if err := json.Unmarshal(proposed, sess.ProposedSchema); err != nil {
			return eris.Wrap(err, "unmarshal proposed schema")
		}
	}
	return nil
}

func encodeStructured(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	return b, eris.Wrap(err, "marshal structured data")
}

func decodeStructured(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, eris.Wrap(err, "unmarshal structured data")
	}
	return out, nil
}
