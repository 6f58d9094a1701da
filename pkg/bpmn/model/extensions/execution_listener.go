// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package extensions

const (
	ListenerEventStart = "start"
	ListenerEventEnd   = "end"
	ListenerEventTake  = "take"
)

// TExecutionListener references either a listener registered on the engine by Type
// or an inline JavaScript body in Script.
type TExecutionListener struct {
	EventType string `xml:"eventType,attr"`
	Type      string `xml:"type,attr"`
	Script    string `xml:"script,attr"`
}

func (l TExecutionListener) IsScript() bool {
	return l.Script != ""
}
