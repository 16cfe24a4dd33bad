// Package setup checks the host before a build and manages the tool
// environment file.
//
// This package is a collection of host checks and constants, and is therefore
// the only package allowed to use a package-level logger.
package setup
