package airtable

// Record is one row of a table as returned by the remote service.
// It is rebuilt from the response on every read and never carries a locally made ID.
type Record struct {
	ID          string         `json:"id"`
	Fields      map[string]any `json:"fields"`
	CreatedTime string         `json:"createdTime,omitempty"`
}

// RecordPage is the first (and only) page of a list query.
// Offset is the remote cursor for the next page; it is reported but never followed.
type RecordPage struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// HasMore reports whether the remote holds more rows than this page
func (p RecordPage) HasMore() bool {
	return p.Offset != ""
}

// recordData normalizes a decoded remote record into the {id, fields} shape.
// Field values are passed through untouched.
func recordData(r Record) Record {
	fields := r.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return Record{ID: r.ID, Fields: fields, CreatedTime: r.CreatedTime}
}

func recordsData(in []Record) []Record {
	out := make([]Record, 0, len(in))
	for _, r := range in {
		out = append(out, recordData(r))
	}
	return out
}
