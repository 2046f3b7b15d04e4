// Package server hosts the Fiber HTTP service: the request middleware that
// turns absolute-form and routed origin-form requests into proxy targets, the
// prefix route table built from config, the shared upstream http.Client, and
// the read-only diagnostics endpoints under /-/.
package server
