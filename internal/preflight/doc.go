// Package preflight provides readiness checks for the filesystem paths and
// mirror sources haul depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failure as a warning;
//     transfers still start because a full disk or a missing mirror may be
//     fixed while the daemon runs.
//   - The CLI "haul status" command renders the same results.
package preflight
