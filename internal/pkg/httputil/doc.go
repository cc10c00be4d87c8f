// Package httputil provides JSON response helpers for the status server.
package httputil
