// Package offline implements the per-site offline cache controller and the
// registration that hosts it.
//
// A Worker is bound to one cache version label. Install precaches a fixed
// manifest (offline page, icons, web manifest) into the generation named by
// that label, all or nothing. Activate deletes every other generation and
// optionally enables navigation preload. Fetch decides per request:
// navigations go network-first and fall back to the precached offline page,
// same-origin static assets go cache-first with write-back, everything else
// is declined so the host forwards it untouched.
//
// A Registration plays the hosting environment: it drives install, skips the
// waiting phase, activates and claims, and exposes the active Worker to the
// HTTP layer.
package offline
