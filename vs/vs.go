// Package vs compares wasmfuel against other runtimes. Results of the same module must match, and benchmarks show the
// overhead of metering.
package vs
