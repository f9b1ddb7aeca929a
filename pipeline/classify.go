// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package pipeline

import "strings"

// Classifier decides whether a failed converter run was caused by bad
// source data rather than a service fault. When uncertain it must answer
// false, so the failure is treated as internal.
type Classifier interface {
	BadGeometry(tool, output string) bool
}

// HintClassifier matches converter output against a closed set of known
// error hints. It stands in until every converter carries an explicit
// exit-code contract; swapping implementations needs no caller changes.
type HintClassifier struct {
	hints []string
}

// NewHintClassifier creates a classifier with the hints the current
// converter tools are known to print on bad source data.
func NewHintClassifier() *HintClassifier {
	return &HintClassifier{
		hints: []string{
			"critical error",
			"scene is empty",
			"invalid polygon geometry",
			"empty or unreadable",
			"could not create any geometry",
			"cannot identify image",
			"invalid file format",
			"failed to extrude",
			"open polygon",
			"<html",
		},
	}
}

// BadGeometry implements Classifier.
func (c *HintClassifier) BadGeometry(tool, output string) bool {
	lowered := strings.ToLower(output)
	for _, hint := range c.hints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}
