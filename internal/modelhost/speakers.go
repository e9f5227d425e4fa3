package modelhost

import "strings"

type Speaker struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Gender   string `json:"gender"`
}

var speakers = []Speaker{
	{ID: "Vivian", Name: "Vivian", Language: "Chinese", Gender: "Female"},
	{ID: "Ryan", Name: "Ryan", Language: "English", Gender: "Male"},
	{ID: "Alya", Name: "Alya", Language: "English", Gender: "Female"},
	{ID: "Leo", Name: "Leo", Language: "Chinese", Gender: "Male"},
	{ID: "Sophia", Name: "Sophia", Language: "English", Gender: "Female"},
	{ID: "Lucas", Name: "Lucas", Language: "English", Gender: "Male"},
}

// Speakers returns the preset speaker roster.
func Speakers() []Speaker {
	out := make([]Speaker, len(speakers))
	copy(out, speakers)
	return out
}

func LookupSpeaker(id string) (Speaker, bool) {
	id = strings.TrimSpace(id)
	for _, s := range speakers {
		if strings.EqualFold(s.ID, id) {
			return s, true
		}
	}
	return Speaker{}, false
}
