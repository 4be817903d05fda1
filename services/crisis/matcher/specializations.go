// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matcher

import (
	"strings"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// Specialization tags.
const (
	SpecCrisisIntervention = "crisis_intervention"
	SpecSuicidePrevention  = "suicide_prevention"
	SpecSelfHarm           = "self_harm"
	SpecAnxiety            = "anxiety"
	SpecDepression         = "depression"
	SpecTrauma             = "trauma"
	SpecDomesticViolence   = "domestic_violence"
	SpecSubstanceUse       = "substance_use"
	SpecGrief              = "grief"
	SpecIsolation          = "isolation"
)

// generalCredit is what crisis_intervention alone earns on a request
// that needs specific specializations.
const generalCredit = 0.3

// keywordStems maps keyword fragments to the specializations they call for.
// A keyword matches a stem when it contains it.
var keywordStems = []struct {
	stem string
	tags []string
}{
	{"suicid", []string{SpecSuicidePrevention}},
	{"kill myself", []string{SpecSuicidePrevention}},
	{"end my life", []string{SpecSuicidePrevention}},
	{"take my", []string{SpecSuicidePrevention}},
	{"die", []string{SpecSuicidePrevention}},
	{"dead", []string{SpecSuicidePrevention}},
	{"end it all", []string{SpecSuicidePrevention}},
	{"live", []string{SpecSuicidePrevention}},
	{"hang myself", []string{SpecSuicidePrevention}},
	{"shoot myself", []string{SpecSuicidePrevention}},
	{"overdose", []string{SpecSuicidePrevention, SpecSubstanceUse}},
	{"self harm", []string{SpecSelfHarm}},
	{"cut", []string{SpecSelfHarm}},
	{"hurt", []string{SpecSelfHarm}},
	{"wrists", []string{SpecSelfHarm, SpecSuicidePrevention}},
	{"panic", []string{SpecAnxiety}},
	{"anxi", []string{SpecAnxiety}},
	{"scared", []string{SpecAnxiety}},
	{"afraid", []string{SpecAnxiety}},
	{"depress", []string{SpecDepression}},
	{"hopeless", []string{SpecDepression}},
	{"worthless", []string{SpecDepression}},
	{"numb", []string{SpecDepression}},
	{"trauma", []string{SpecTrauma}},
	{"abuse", []string{SpecTrauma, SpecDomesticViolence}},
	{"relapse", []string{SpecSubstanceUse}},
	{"drinking", []string{SpecSubstanceUse}},
	{"griev", []string{SpecGrief}},
	{"lonely", []string{SpecIsolation}},
	{"miss me", []string{SpecIsolation}},
}

// specializationsFor returns the tags requested by matched keywords.
func specializationsFor(keywords []string) map[string]struct{} {
	needed := make(map[string]struct{})
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		for _, ks := range keywordStems {
			if strings.Contains(kw, ks.stem) {
				for _, tag := range ks.tags {
					needed[tag] = struct{}{}
				}
			}
		}
	}
	return needed
}

// specializationScore is 0..1. With no specific need every volunteer earns
// half credit and crisis_intervention earns full. With specific needs the
// score is the covered fraction plus generalCredit for crisis_intervention.
func specializationScore(v datatypes.Volunteer, needed map[string]struct{}) float64 {
	general := v.HasSpecialization(SpecCrisisIntervention)
	if len(needed) == 0 {
		if general {
			return 1
		}
		return 0.5
	}

	covered := 0
	for tag := range needed {
		if v.HasSpecialization(tag) {
			covered++
		}
	}
	s := float64(covered) / float64(len(needed))
	if general {
		s += generalCredit
	}
	return clamp01(s)
}
