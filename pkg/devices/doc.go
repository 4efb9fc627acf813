// Package devices implements the device-authorization ledger: time-bounded
// bindings of device fingerprints to provider API keys, with a per-key
// device cap and passive expiry.
//
// One Store instance exists per service class ("text", "image"). Every
// mutating operation is a single load-validate-write critical section
// executed through the tiered configuration store, so concurrent requests
// against the same document observe a total order and the device cap holds
// under contention. There is no background timer: expiry is evaluated
// lazily whenever a record is read.
package devices
