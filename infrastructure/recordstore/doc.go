// Package recordstore provides the storage backends behind the storage
// service: DiskStore keeps one file per record under a node directory, and
// MemoryStore keeps records in memory for nodes that may not persist data.
package recordstore
