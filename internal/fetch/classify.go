package fetch

import (
	"net/http"
	"path"
	"strings"
)

// Class selects the caching policy for a request.
type Class int

const (
	// Document requests are navigations and HTML; served network-first.
	Document Class = iota
	// Asset requests are static resources; served cache-first.
	Asset
)

// Strategy names the policy used for the class.
func (c Class) Strategy() string {
	if c == Document {
		return "network-first"
	}
	return "cache-first"
}

// Classify reports Document when the request accepts HTML, targets the root,
// or its path has no file extension. Everything else is an Asset.
func Classify(r *http.Request) Class {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return Document
	}
	p := r.URL.Path
	if p == "" || p == "/" {
		return Document
	}
	if path.Ext(p) == "" {
		return Document
	}
	return Asset
}
