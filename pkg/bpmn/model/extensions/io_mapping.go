// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package extensions

import "github.com/pbinitiative/zenflow/pkg/ptr"

type TIoMapping struct {
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

// TCalledElement names the process started by a call activity. Only the latest
// deployed version is resolved.
type TCalledElement struct {
	ProcessId                  string `xml:"processId,attr"`
	PropagateAllChildVariables *bool  `xml:"propagateAllChildVariables,attr"`
}

// PropagatesAllChildVariables defaults to true as the attribute is optional
func (c TCalledElement) PropagatesAllChildVariables() bool {
	return ptr.Deref(c.PropagateAllChildVariables, true)
}
