package modules

import "encoding/json"

// rulesJSON mirrors the on-disk shape of hybrid_rules.json / rules/<id>.json.
type rulesJSON struct {
	DefaultMode string            `json:"default_mode"`
	Paths       map[string]string `json:"paths"`
}

// ParseRules decodes a hybrid_rules.json or user rule-override file. A
// malformed file is reported as an error; callers must treat that as
// Corrupt per the spec's error taxonomy — log and fall back to defaults,
// never fail the scan.
func ParseRules(data []byte) (ModuleRules, error) {
	var raw rulesJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return ModuleRules{}, err
	}

	rules := ModuleRules{
		DefaultMode: MountMode(raw.DefaultMode),
		Paths:       map[string]MountMode{},
	}
	for k, v := range raw.Paths {
		mode := MountMode(v)
		if ValidPathMode(mode) {
			rules.Paths[k] = mode
		}
	}
	if !ValidDefaultMode(rules.DefaultMode) {
		rules.DefaultMode = Overlay
	}
	return rules, nil
}
