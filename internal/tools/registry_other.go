//go:build !windows

package tools

func registryKitRoots() []string { return nil }

// ShortPath returns path unchanged on hosts without 8.3 names.
func ShortPath(path string) string { return path }
