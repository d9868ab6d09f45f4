// Package server hosts the Fiber HTTP service and its request middleware chain.
// The middleware assigns request and client ids, triggers the lazy install of
// the offline cache and marks which browser views are controlled; every other
// request is handed to the injected ProxyHandler. Diagnostics live under /-/
// and are registered by the routes subpackage.
package server
