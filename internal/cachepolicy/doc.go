// Package cachepolicy holds the pure decisions of the caching proxy: whether
// a response may be stored, whether a stored response may be served as-is,
// and which conditional headers revalidate it. Nothing here touches disk or
// network.
package cachepolicy
