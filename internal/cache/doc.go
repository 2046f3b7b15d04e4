// Package cache defines the disk-backed store that persists origin responses
// as two flat files per URL under the configured folder:
//
//	<Folder>/<sha1(url)><HeaderFileSuffix>   # JSON header record
//	<Folder>/<sha1(url)><BodyFileSuffix>     # raw body bytes
//
// Writes stream through temp files and are committed with rename under a
// per-key lock, so readers only ever observe a matched header/body pair.
// Anything unreadable is reported as a miss.
package cache
