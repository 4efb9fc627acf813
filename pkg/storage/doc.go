// Package storage implements the tiered provider-configuration store.
//
// Provider documents live in two tiers: a durable multi-key file under a
// root that survives container replacement, and one runtime file per
// config type in the working directory that legacy code paths read
// directly. The durable tier is authoritative once populated; runtime
// files holding credentials are promoted into it on first load. All
// mutation runs under a per-config-type lock spanning the full
// read-validate-write cycle, and every file write is temp-then-rename so
// a failure mid-write never leaves a half-written document behind.
package storage
