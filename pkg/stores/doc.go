// Package stores provides the sqlite-backed local store for cached
// catalogs, run reports, and node facts.
package stores
