// Package system samples host-level resource usage of the machine the agent
// runs on: CPU, memory and disk utilisation as percentages.
//
// The values are attached to every snapshot. A sample never fails as a whole;
// a metric that cannot be read is reported as -1 and the cause is returned
// alongside the partial result.
package system
