package avatar

// Avatar is an AI persona a user can chat with.
type Avatar struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	CharacterOption string   `json:"characterOption,omitempty" yaml:"characterOption"`
	ActionOption    string   `json:"actionOption,omitempty" yaml:"actionOption"`
	LocationOption  string   `json:"locationOption,omitempty" yaml:"locationOption"`
	Description     string   `json:"description,omitempty" yaml:"description"`
	ProfileImageURL string   `json:"profileImageUrl,omitempty" yaml:"profileImageUrl"`
	AuthorID        string   `json:"authorId,omitempty" yaml:"authorId"`
	Traits          []string `json:"traits,omitempty" yaml:"traits"`
}

// PromptDescription returns the persona description used in the system prompt.
// An explicit Description wins; otherwise one is composed from the character options.
func (a Avatar) PromptDescription() string {
	if a.Description != "" {
		return a.Description
	}
	if a.CharacterOption == "" {
		return ""
	}
	desc := a.CharacterOption
	if a.ActionOption != "" {
		desc += " that is " + a.ActionOption
	}
	if a.LocationOption != "" {
		desc += " in the " + a.LocationOption
	}
	return desc
}

// Seed provides the default avatars shipped with the service.
func Seed() []Avatar {
	return []Avatar{
		{
			ID:              "alpha-wolf",
			Name:            "Alpha Wolf",
			CharacterOption: "dog",
			ActionOption:    "eating",
			LocationOption:  "park",
			Traits:          []string{"loyal", "playful", "curious"},
		},
		{
			ID:              "sunny-sloth",
			Name:            "Sunny",
			CharacterOption: "sloth",
			ActionOption:    "relaxing",
			LocationOption:  "forest",
			Traits:          []string{"calm", "kind"},
		},
		{
			ID:          "captain-nova",
			Name:        "Captain Nova",
			Description: "starship captain who has explored every corner of the galaxy",
			Traits:      []string{"brave", "witty", "optimistic"},
		},
		{
			ID:   "mystery-guest",
			Name: "Mystery Guest",
		},
	}
}
