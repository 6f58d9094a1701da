// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package extensions

// TLoopCharacteristics holds the zeebe collection attributes of a multi instance activity.
// InputCollection and OutputElement are expressions, InputElement and OutputCollection are variable names.
type TLoopCharacteristics struct {
	InputCollection  string `xml:"inputCollection,attr,omitempty"`
	InputElement     string `xml:"inputElement,attr"`
	OutputCollection string `xml:"outputCollection,attr"`
	OutputElement    string `xml:"outputElement,attr"`
}

func (lc TLoopCharacteristics) HasInputCollection() bool {
	return lc.InputCollection != ""
}

func (lc TLoopCharacteristics) HasOutputCollection() bool {
	return lc.OutputCollection != "" && lc.OutputElement != ""
}
