// Command blobmanager runs the blob manager control-plane process
// (spec.md §1): one epoch-fenced leader singleton per data center, wired
// against the transactional store, object store, cluster controller, and
// blob workers configured at startup.
package main

func main() {
	Execute()
}
