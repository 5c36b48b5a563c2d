package dispatch

import (
	"slices"
	"strings"
)

const GeneralFirstAid = "general"

var firstAidTips = map[string][]string{
	GeneralFirstAid: {
		"Stay calm and reassure the patient",
		"Ensure the scene is safe for you and the patient",
		"Do not move the patient unless in immediate danger",
		"Keep the patient warm and comfortable",
	},
	"accident": {
		"Check for responsiveness by tapping and shouting",
		"Check for breathing and circulation",
		"Apply pressure to stop any bleeding",
		"Do not remove embedded objects from wounds",
		"Immobilize injured limbs if possible",
	},
	"breathing": {
		"Keep the person upright to ease breathing",
		"Loosen any tight clothing around neck or chest",
		"Help them use their medication if they have it",
		"If they become unconscious, place in recovery position",
	},
	"unconscious": {
		"Check for breathing and clear airways",
		"If breathing, place in recovery position (on their side)",
		"Monitor breathing until help arrives",
		"If not breathing, start CPR if trained to do so",
	},
	"childbirth": {
		"Make the mother comfortable and ensure privacy",
		"Time contractions and look for signs of imminent delivery",
		"If delivery is progressing, have mother lie down with knees bent",
		"Support the baby's head as it emerges, never pull",
	},
}

// FirstAidTips returns guidance for an emergency type, falling back to general advice.
func FirstAidTips(emergencyType string) []string {
	tips, ok := firstAidTips[strings.ToLower(strings.TrimSpace(emergencyType))]
	if !ok {
		tips = firstAidTips[GeneralFirstAid]
	}
	return slices.Clone(tips)
}

// FirstAidTypes lists the emergency types with dedicated guidance.
func FirstAidTypes() []string {
	out := make([]string, 0, len(firstAidTips))
	for k := range firstAidTips {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
