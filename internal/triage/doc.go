// Package triage is the decision core of the CXR triage service. It defines
// the Engine (calibration, status resolution, detection post-processing,
// aggregation and report composition), the Service (dedup, study lifecycle,
// async dispatch, audit), the Store interface and the domain models.
package triage
