// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttributePlanFile   = attribute.Key("zenflow.plan_file")   // path of the modification plan applied by the CLI
	AttributeDeployDir  = attribute.Key("zenflow.deploy_dir")  // directory the CLI deployed BPMN files from
	AttributeDeployed   = attribute.Key("zenflow.deployed")    // number of definitions deployed
	AttributeBatchCount = attribute.Key("zenflow.batch_count") // number of batches a plan submitted
)
