// Package reputation tracks sources that recently stalled so the coordinator
// can route around them. Bans expire on their own; nothing is persisted.
package reputation
