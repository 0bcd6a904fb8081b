// Package sentinel defines a const-able error type for sentinel errors.
//
// Errors declared with errors.New live in package-level vars that any
// importer could reassign. Declaring them as sentinel.Error constants rules
// that out while keeping errors.Is matching intact across wrapped chains.
package sentinel
