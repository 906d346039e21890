package qcache

import uuid "github.com/hashicorp/go-uuid"

// newUUID assigns identifiers to EntryObserver and Mutation instances
// for logging and metrics correlation.
func newUUID() (string, error) {
	return uuid.GenerateUUID()
}
