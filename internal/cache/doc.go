// Package cache defines the named, versioned response stores ("cache
// generations") that back each site's offline controller. A Store holds any
// number of generations per site; each generation maps a request key
// (method + URL) to a captured response (status, headers, body). Two backends
// are provided: a filesystem layout under StoragePath/<site>/<generation>/ that
// writes every entry through temp file + rename, and a single SQLite database
// for deployments that prefer one file. Both guarantee atomic per-key put/get
// and an all-or-nothing PutAll used by precaching.
package cache
