package models

import "errors"

// ErrNotFound is the contract sentinel remote collaborators wrap when a
// message, poll or cursor does not exist.
var ErrNotFound = errors.New("not found")
