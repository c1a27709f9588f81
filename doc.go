// Package pavlovia manages the lifecycle of an experiment session on a
// Pavlovia-compatible server.
//
// A host drives it with two commands:
//  1. init   - load the experiment manifest (config.json), open a session and
//     install page-teardown hooks that close the session if the participant leaves.
//  2. finish - upload the participant's results and close the session.
//
// Failures never propagate to the host as errors or panics. They are wrapped into
// an error chain (see package chain) and handed to the host's error callback,
// which defaults to the reporter in package report.
//
// Version: 3.2.5
package pavlovia
