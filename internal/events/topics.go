// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package events provides the durable delivery-task transport: an embedded
// NATS JetStream server, per-priority task topics, and Watermill
// publisher/subscriber wrappers with circuit-breaker protection.
package events

import "github.com/tomtom215/herald/internal/notification"

// Stream subjects. Each priority class has its own topic so critical tasks
// are never queued behind normal ones.
const (
	TopicCritical  = "tasks.critical"
	TopicImportant = "tasks.important"
	TopicNormal    = "tasks.normal"
)

// TaskSubjects lists every task topic, used for stream provisioning and
// subscriber startup.
var TaskSubjects = []string{TopicCritical, TopicImportant, TopicNormal}

// TopicFor maps a priority class onto its task topic.
func TopicFor(p notification.Priority) string {
	switch p {
	case notification.PriorityCritical:
		return TopicCritical
	case notification.PriorityImportant:
		return TopicImportant
	default:
		return TopicNormal
	}
}
