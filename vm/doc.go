// Package vm implements the CodeSwitch virtual machine.
//
// This package contains:
//   - The primitive type and instruction model
//   - The sectioned package binary format with a lazy, memory-mapped loader
//   - The assembly text format reader and writer
//   - The bytecode verifier and safepoint builder
//   - The bytecode interpreter
//
// Memory management (the chunked heap, handle table, and interpreter
// stacks) lives in the memory package; this package wires functions,
// strings, and safepoint tables into heap blocks and registers the
// process-wide roots.
package vm
