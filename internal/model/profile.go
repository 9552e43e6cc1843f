package model

type ProfileRef struct {
	ProfileID       string          `json:"profileId"`
	SharingCategory SharingCategory `json:"sharingCategory"`
}

type ProfileField struct {
	Value      string            `json:"value" dynamodbav:"value"`
	Categories []SharingCategory `json:"categories,omitempty" dynamodbav:"categories"`
}

type Profile struct {
	ID          string                  `json:"id" db:"id" dynamodbav:"profileId"`
	DisplayName string                  `json:"displayName" db:"display_name" dynamodbav:"displayName"`
	Fields      map[string]ProfileField `json:"fields" db:"-" dynamodbav:"fields"`
}

// Filter returns a copy holding only the fields released under category.
// All releases every field; a field with no categories is released everywhere.
func (p *Profile) Filter(category SharingCategory) *Profile {
	out := &Profile{ID: p.ID, DisplayName: p.DisplayName, Fields: make(map[string]ProfileField)}
	for name, f := range p.Fields {
		if category == SharingAll || len(f.Categories) == 0 || containsCategory(f.Categories, category) {
			out.Fields[name] = f
		}
	}
	return out
}

func containsCategory(list []SharingCategory, c SharingCategory) bool {
	for _, v := range list {
		if v == c || v == SharingAll {
			return true
		}
	}
	return false
}
