// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package profile

import (
	"fmt"
	"os"
	"strings"
)

// ProfileType selects environment dependent defaults, PROD switches the logger to JSON output
type ProfileType string

var Current = DEV // dev profile as default

const (
	DEV  ProfileType = "DEV"
	TEST ProfileType = "TEST"
	PROD ProfileType = "PROD"
)

func InitProfile() {
	Current = Parse(os.Getenv("PROFILE"))
	fmt.Printf("Current profile: %s\n", Current)
}

// Parse is case insensitive, unknown values fall back to DEV
func Parse(value string) ProfileType {
	switch p := ProfileType(strings.ToUpper(value)); p {
	case DEV, TEST, PROD:
		return p
	}
	return DEV
}
