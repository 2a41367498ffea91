package activity

// View is an ordered map of records keyed by ID. Order is kept separately from the key→record
// mapping, so a record can appear at most once whatever the mix of fetched and pushed copies.
type View struct {
	order []string
	byID  map[string]Record
}

// NewView creates an empty View.
func NewView() *View {
	return &View{byID: map[string]Record{}}
}

// Len returns the number of records.
func (v *View) Len() int { return len(v.order) }

// Has reports whether id is present.
func (v *View) Has(id string) bool {
	_, ok := v.byID[id]
	return ok
}

// Replace discards the view and installs records in the given order. Later duplicates within
// records are dropped.
func (v *View) Replace(records []Record) {
	v.order = make([]string, 0, len(records))
	v.byID = make(map[string]Record, len(records))
	v.Append(records)
}

// Append adds records after the existing ones, skipping IDs already present. It returns how many
// were added.
func (v *View) Append(records []Record) int {
	added := 0
	for _, r := range records {
		if r.ID == "" || v.Has(r.ID) {
			continue
		}
		v.byID[r.ID] = r
		v.order = append(v.order, r.ID)
		added++
	}
	return added
}

// Prepend puts r first unless its ID is already present.
func (v *View) Prepend(r Record) bool {
	if r.ID == "" || v.Has(r.ID) {
		return false
	}
	v.byID[r.ID] = r
	v.order = append(v.order, "")
	copy(v.order[1:], v.order)
	v.order[0] = r.ID
	return true
}

// Update replaces the record with r's ID in place. Absent IDs are ignored.
func (v *View) Update(r Record) bool {
	if !v.Has(r.ID) {
		return false
	}
	v.byID[r.ID] = r
	return true
}

// Delete removes id. Absent IDs are ignored.
func (v *View) Delete(id string) bool {
	if !v.Has(id) {
		return false
	}
	delete(v.byID, id)
	for i, existing := range v.order {
		if existing == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	return true
}

// Records returns a copy of the records in order, keeping only kind when it is non-empty.
func (v *View) Records(kind Kind) []Record {
	out := make([]Record, 0, len(v.order))
	for _, id := range v.order {
		r := v.byID[id]
		if kind != "" && r.Kind != kind {
			continue
		}
		out = append(out, r)
	}
	return out
}
