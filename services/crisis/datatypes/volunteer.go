// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Volunteer is a human supporter. The matcher only mutates CurrentLoad;
// everything else is owned by volunteer management.
type Volunteer struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"display_name,omitempty"`
	Specializations    []string  `json:"specializations"`
	Languages          []string  `json:"languages"`
	CurrentLoad        int       `json:"current_load"`
	MaxConcurrent      int       `json:"max_concurrent"`
	AverageRating      float64   `json:"average_rating"`
	ResponseRate       float64   `json:"response_rate"`
	EmergencyResponder bool      `json:"emergency_responder"`
	BurnoutScore       float64   `json:"burnout_score"`
	LastActive         time.Time `json:"last_active"`
	Available          bool      `json:"available"`
}

// HasCapacity reports whether the volunteer can take another session.
func (v Volunteer) HasCapacity() bool {
	return v.MaxConcurrent > 0 && v.CurrentLoad < v.MaxConcurrent
}

// HasSpecialization reports whether tag is among the volunteer's tags.
func (v Volunteer) HasSpecialization(tag string) bool {
	for _, s := range v.Specializations {
		if s == tag {
			return true
		}
	}
	return false
}

// SpeaksLanguage reports whether the volunteer lists lang.
func (v Volunteer) SpeaksLanguage(lang string) bool {
	for _, l := range v.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Resource is a crisis resource offered to users (hotline, text line, site).
type Resource struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Phone         string `json:"phone,omitempty"`
	TextLine      string `json:"text_line,omitempty"`
	URL           string `json:"url,omitempty"`
	Region        string `json:"region,omitempty"`
	Available24x7 bool   `json:"available_24x7"`
}

// DefaultEmergencyResources is returned to a caller when nothing else can be,
// including on total failure of session establishment.
func DefaultEmergencyResources() []Resource {
	return []Resource{
		{ID: "us-988", Name: "988 Suicide & Crisis Lifeline", Kind: "hotline", Phone: "988", TextLine: "988", URL: "https://988lifeline.org", Region: "US", Available24x7: true},
		{ID: "us-ctl", Name: "Crisis Text Line", Kind: "text", TextLine: "Text HOME to 741741", URL: "https://www.crisistextline.org", Region: "US", Available24x7: true},
		{ID: "us-911", Name: "Emergency Services", Kind: "emergency", Phone: "911", Region: "US", Available24x7: true},
	}
}
