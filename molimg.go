// Package molimg contains process-wide helpers shared by the mol-img
// commands: cancellation, exit hooks and target architectures.
package molimg

// Megabyte is the unit the python bindings specify image sizes in.
const Megabyte = 1024 * 1024
