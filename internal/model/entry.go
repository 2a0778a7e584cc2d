package model

// Op is the kind of journal entry.
type Op string

const (
	OpPut    Op = "put"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known operation.
func (o Op) Valid() bool {
	switch o {
	case OpPut, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Entry is one line of the append-only journal.
//
// A put carries the full record. Update and delete entries point at the
// put they modify through Ref, the journal offset of that put; an update
// carries the full post-image.
type Entry struct {
	Op     Op      `json:"op"`
	Ref    int64   `json:"ref,omitempty"`
	At     int64   `json:"at"`
	Record *Record `json:"record,omitempty"`
}

// Patch is a partial update of a record. Nil fields are left unchanged.
type Patch struct {
	Insight *string `json:"insight,omitempty"`
	Raw     *string `json:"raw,omitempty"`
	Tags    *Tags   `json:"tags,omitempty"`
	Role    *string `json:"role,omitempty"`
}

// Apply returns a copy of r with the patch applied.
func (p Patch) Apply(r Record) Record {
	if p.Insight != nil {
		r.Insight = *p.Insight
	}
	if p.Raw != nil {
		r.Raw = *p.Raw
	}
	if p.Tags != nil {
		r.Tags = NewTags((*p.Tags)...)
	}
	if p.Role != nil {
		r.Role = *p.Role
	}
	return r
}
