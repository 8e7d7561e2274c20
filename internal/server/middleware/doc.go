// Package middleware contains the HTTP middleware of the local bridge API.
package middleware
