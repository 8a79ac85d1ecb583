// Package staging inspects and prunes the staging directory that holds
// partial transfers.
//
// Every in-flight item owns exactly one .part file there; files without a
// journal record are leftovers from interrupted runs and are removed at
// daemon startup after journal recovery.
package staging
