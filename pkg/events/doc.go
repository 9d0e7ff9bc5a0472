// Package events publishes job lifecycle notifications.
//
// Events are advisory. The repository (refs and notes) is the only source of
// truth; a dropped or duplicated event never changes job state. The Redis
// publisher is for observers such as dashboards that want to follow a queue
// without polling Git.
//
// Channel pattern: gitvan:{instance}:job_events
package events
