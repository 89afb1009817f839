// Package action holds the device rule table and the engine that applies it.
//
// Rules are loaded once from the actions directory and never change afterwards. For an
// ADD request the engine applies every matching rule's permissions, symlinks and helper
// command, then commits the per-device metadata under <mountpoint>/metadata/dev. For a
// REMOVE request it runs the remove helpers, deletes the symlinks and the metadata, and
// leaves the node itself alone.
package action
